package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/config"
	"github.com/sourcebridge/sourcebridge/internal/infopayload"
	"github.com/sourcebridge/sourcebridge/internal/platform"
	"github.com/sourcebridge/sourcebridge/internal/relay"
)

const (
	outageNotice   = "Lost contact with `%s`: the server stopped responding and its connection was closed. It will be retried automatically."
	recoveryNotice = "Contact with `%s` re-established."
)

// Notifier delivers direct messages to users.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, content string) error
}

// HealthMonitor drives the per-connection liveness state machine on a slow
// fixed tick. A connection degrades on consecutive ping failures; once the
// failure count reaches the configured threshold the monitor notifies the
// recipient list, closes the connection and keeps retrying it each tick
// until it answers again. Manually closed connections are left alone.
//
// It implements server.Service.
type HealthMonitor struct {
	registry *Registry
	exchange *relay.Exchange
	payload  *infopayload.Registry
	notifier Notifier
	store    BindingStore
	logger   *zap.Logger

	interval  time.Duration
	threshold int

	done chan struct{}
}

// NewHealthMonitor creates a monitor over registry. store may be nil when
// persistence is disabled.
func NewHealthMonitor(
	cfg config.HealthConfig,
	registry *Registry,
	exchange *relay.Exchange,
	payload *infopayload.Registry,
	notifier Notifier,
	store BindingStore,
	logger *zap.Logger,
) *HealthMonitor {
	return &HealthMonitor{
		registry:  registry,
		exchange:  exchange,
		payload:   payload,
		notifier:  notifier,
		store:     store,
		logger:    logger,
		interval:  cfg.PingInterval,
		threshold: cfg.TimeDownBeforeNotify,
		done:      make(chan struct{}),
	}
}

// Start runs the tick loop until Stop. Blocks.
func (h *HealthMonitor) Start() error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Tick(context.Background())
		case <-h.done:
			return nil
		}
	}
}

// Stop terminates the tick loop.
func (h *HealthMonitor) Stop() {
	close(h.done)
}

// Tick evaluates every registered connection once. One connection's failure
// never halts evaluation of the others.
func (h *HealthMonitor) Tick(ctx context.Context) {
	for _, conn := range h.registry.All() {
		h.evaluate(ctx, conn)
	}
}

func (h *HealthMonitor) evaluate(ctx context.Context, conn *Connection) {
	client := conn.Client()
	logger := h.logger.With(zap.String("constr", conn.ConStr()))

	if client.IsClosed() {
		if !conn.AutoClosed() {
			return
		}
		if err := client.Retry(); err != nil {
			logger.Debug("retry failed", zap.Error(err))
			return
		}
		conn.MarkHealthy()
		conn.SetAutoClosed(false)
		logger.Info("connection recovered")
		h.notifyAll(ctx, conn, fmt.Sprintf(recoveryNotice, conn.ConStr()))
		if conn.RelayEnabled() {
			h.RegisterRelay(conn)
		}
		h.persist(ctx, conn)
		return
	}

	if _, err := client.Ping(); err != nil {
		failures := conn.RecordFailure()
		logger.Warn("ping failed", zap.Int("consecutive", failures), zap.Error(err))
		if failures >= h.threshold {
			h.notifyAll(ctx, conn, fmt.Sprintf(outageNotice, conn.ConStr()))
			client.Close()
			conn.SetAutoClosed(true)
			h.UnregisterRelay(conn)
			logger.Info("connection auto-closed", zap.Int("consecutive", failures))
		}
		h.persist(ctx, conn)
		return
	}

	if conn.TimeSinceDown() != healthySentinel {
		conn.MarkHealthy()
		h.persist(ctx, conn)
	}
}

// notifyAll fans a notice out to the connection's recipient list. Recipients
// that turn out to be unresolvable are dropped from the list.
func (h *HealthMonitor) notifyAll(ctx context.Context, conn *Connection, notice string) {
	recipients := conn.ToNotify()
	kept := make([]string, 0, len(recipients))
	for _, userID := range recipients {
		err := h.notifier.NotifyUser(ctx, userID, notice)
		if errors.Is(err, platform.ErrUnresolvableRecipient) {
			h.logger.Info("pruning unresolvable recipient",
				zap.String("constr", conn.ConStr()),
				zap.String("user_id", userID),
			)
			continue
		}
		if err != nil {
			h.logger.Warn("notification delivery failed",
				zap.String("user_id", userID), zap.Error(err))
		}
		kept = append(kept, userID)
	}
	conn.SetToNotify(kept)
}

// RegisterRelay (re-)adds the connection's tenant to the exchange and pushes
// its guild's info payload to it.
func (h *HealthMonitor) RegisterRelay(conn *Connection) {
	if err := h.exchange.AddConStr(conn.ConStr()); err != nil && !errors.Is(err, relay.ErrConStrExists) {
		h.logger.Warn("relay registration failed",
			zap.String("constr", conn.ConStr()), zap.Error(err))
		return
	}
	h.payload.Subscribe(conn.GuildID(), conn.ConStr())
}

// UnregisterRelay removes the connection's tenant from the exchange.
func (h *HealthMonitor) UnregisterRelay(conn *Connection) {
	h.payload.Unsubscribe(conn.ConStr())
	if err := h.exchange.RemoveConStr(conn.ConStr()); err != nil && !errors.Is(err, relay.ErrUnknownConStr) {
		h.logger.Warn("relay deregistration failed",
			zap.String("constr", conn.ConStr()), zap.Error(err))
	}
}

func (h *HealthMonitor) persist(ctx context.Context, conn *Connection) {
	if h.store == nil {
		return
	}
	if err := h.store.Save(ctx, conn.Snapshot()); err != nil {
		h.logger.Warn("persisting binding failed",
			zap.String("channel_id", conn.ChannelID()), zap.Error(err))
	}
}
