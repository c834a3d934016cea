package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sourcebridge/sourcebridge/internal/bridge"
)

// BindingRepository persists channel ↔ game-server bindings. It implements
// bridge.BindingStore.
type BindingRepository struct {
	db *pgxpool.Pool
}

// NewBindingRepository creates a BindingRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewBindingRepository(db *pgxpool.Pool) *BindingRepository {
	return &BindingRepository{db: db}
}

// Save upserts the binding for its channel.
//
// Postcondition: a subsequent List returns the stored state, keyed uniquely
// by channel id.
func (r *BindingRepository) Save(ctx context.Context, b bridge.Binding) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO bindings (channel_id, guild_id, constr, relay_enabled, to_notify, time_since_down)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (channel_id) DO UPDATE SET
		   guild_id = EXCLUDED.guild_id,
		   constr = EXCLUDED.constr,
		   relay_enabled = EXCLUDED.relay_enabled,
		   to_notify = EXCLUDED.to_notify,
		   time_since_down = EXCLUDED.time_since_down,
		   updated_at = now()`,
		b.ChannelID, b.GuildID, b.ConStr, b.RelayEnabled, b.ToNotify, b.TimeSinceDown,
	)
	if err != nil {
		return fmt.Errorf("upserting binding: %w", err)
	}
	return nil
}

// Delete removes the binding for channelID. Deleting an absent binding is not
// an error.
func (r *BindingRepository) Delete(ctx context.Context, channelID string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM bindings WHERE channel_id = $1`, channelID,
	); err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}
	return nil
}

// List returns every stored binding.
func (r *BindingRepository) List(ctx context.Context) ([]bridge.Binding, error) {
	rows, err := r.db.Query(ctx,
		`SELECT channel_id, guild_id, constr, relay_enabled, to_notify, time_since_down
		 FROM bindings ORDER BY channel_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer rows.Close()

	var bindings []bridge.Binding
	for rows.Next() {
		var b bridge.Binding
		if err := rows.Scan(&b.ChannelID, &b.GuildID, &b.ConStr, &b.RelayEnabled, &b.ToNotify, &b.TimeSinceDown); err != nil {
			return nil, fmt.Errorf("scanning binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bindings: %w", err)
	}
	return bindings, nil
}
