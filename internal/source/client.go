// Package source defines the game-server query client consumed by the bridge
// and an adapter backed by the go-a2s query library.
//
// The bridge core treats the client as an opaque collaborator: it owns one
// client per bound channel, probes it for liveness, and closes/retries it as
// the health state machine dictates. The query wire protocol itself lives in
// the library, not here.
package source

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrClosed is returned when querying a closed client.
var ErrClosed = errors.New("connection is closed")

// ServerInfo is the denormalized result of an info query.
type ServerInfo struct {
	Name       string
	Map        string
	Game       string
	Players    int
	MaxPlayers int
	Bots       int
	VAC        bool
	Passworded bool
	Keywords   string
}

// Player is one entry of a player query.
type Player struct {
	Name string
	// Score is the player's score (usually frags).
	Score int
	// Duration is the time the player has been connected.
	Duration time.Duration
}

// Client queries a single game server identified by its connection string.
//
// Implementations own their socket state. Query methods return an error on
// any transport or protocol failure; such failures feed the health state
// machine and never panic.
type Client interface {
	// ConStr returns the "host:port" connection string this client queries.
	ConStr() string
	// Ping probes the server and returns the observed round-trip latency.
	Ping() (time.Duration, error)
	// Info queries general server information.
	Info() (ServerInfo, error)
	// Players queries the connected player list.
	Players() ([]Player, error)
	// Rules queries the server's rule (cvar) table.
	Rules() (map[string]string, error)
	// Close releases the client's resources. Further queries return ErrClosed.
	Close()
	// Retry attempts to re-establish a closed client. On success IsClosed
	// reports false again.
	Retry() error
	// IsClosed reports whether the client believes the connection is down.
	IsClosed() bool
}

// Factory creates a Client for a connection string, verifying reachability.
type Factory func(constr string) (Client, error)

// ValidateConStr checks that constr is a well-formed "host:port" pair.
//
// Postcondition: Returns nil only for a non-empty host and a numeric port
// in [1, 65535].
func ValidateConStr(constr string) error {
	host, port, err := net.SplitHostPort(constr)
	if err != nil {
		return fmt.Errorf("connection string %q: %w", constr, err)
	}
	if host == "" {
		return fmt.Errorf("connection string %q: empty host", constr)
	}
	p, err := net.LookupPort("udp", port)
	if err != nil || p < 1 {
		return fmt.Errorf("connection string %q: invalid port %q", constr, port)
	}
	return nil
}
