package relay

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ChatMessage is a chat-platform message shaped for in-game rendering.
type ChatMessage struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Colour  string `json:"colour"`
	Role    string `json:"role"`
	Clean   string `json:"clean"`
}

// InboundMessage is a player chat line reported by a game server.
type InboundMessage struct {
	Name       string
	Message    string
	SteamID    string
	TeamName   string
	TeamColour string
	Icon       string
}

// DeathEvent is a player death reported by a game server. Suicide and
// NoWeapon select which phrasing family the fanout renders it with.
type DeathEvent struct {
	Victim    string
	Inflictor string
	Attacker  string
	Suicide   bool
	NoWeapon  bool
}

// EventKind discriminates the inbound record union.
type EventKind int

const (
	EventMessage EventKind = iota
	EventJoin
	EventLeave
	EventDeath
	EventCustom
)

// InboundEvent is one validated inbound record. Exactly one payload field is
// meaningful, selected by Kind.
type InboundEvent struct {
	Kind    EventKind
	Message InboundMessage
	Name    string
	Death   DeathEvent
	Body    string
}

type inboundRecord struct {
	Type string `json:"type"`

	Name    string `json:"name"`
	Message string `json:"message"`
	SteamID string `json:"steamID"`
	Team    string `json:"teamName"`
	Colour  string `json:"teamColour"`
	Icon    string `json:"icon"`

	Victim    string `json:"victim"`
	Inflictor string `json:"inflictor"`
	Attacker  string `json:"attacker"`
	Suicide   string `json:"suicide"`
	NoWeapon  string `json:"noweapon"`

	Body string `json:"body"`
}

func flag(s string) bool {
	return s == "1"
}

// DecodeInbound parses a POST body into its validated event batch. The body
// is a JSON object whose values are tagged records; records are processed in
// lexicographic key order so plugin-side insertion order survives the trip.
// Any malformed record fails the whole batch and nothing is applied.
func DecodeInbound(body []byte) ([]InboundEvent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding event batch: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	events := make([]InboundEvent, 0, len(keys))
	for _, k := range keys {
		var rec inboundRecord
		if err := json.Unmarshal(raw[k], &rec); err != nil {
			return nil, fmt.Errorf("decoding record %q: %w", k, err)
		}
		ev, err := rec.toEvent()
		if err != nil {
			return nil, fmt.Errorf("record %q: %w", k, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r inboundRecord) toEvent() (InboundEvent, error) {
	switch r.Type {
	case "message":
		if r.Name == "" || r.Message == "" {
			return InboundEvent{}, fmt.Errorf("message record missing name or message")
		}
		return InboundEvent{
			Kind: EventMessage,
			Message: InboundMessage{
				Name:       r.Name,
				Message:    r.Message,
				SteamID:    r.SteamID,
				TeamName:   r.Team,
				TeamColour: r.Colour,
				Icon:       r.Icon,
			},
		}, nil
	case "join":
		if r.Name == "" {
			return InboundEvent{}, fmt.Errorf("join record missing name")
		}
		return InboundEvent{Kind: EventJoin, Name: r.Name}, nil
	case "leave":
		if r.Name == "" {
			return InboundEvent{}, fmt.Errorf("leave record missing name")
		}
		return InboundEvent{Kind: EventLeave, Name: r.Name}, nil
	case "death":
		if r.Victim == "" {
			return InboundEvent{}, fmt.Errorf("death record missing victim")
		}
		return InboundEvent{
			Kind: EventDeath,
			Death: DeathEvent{
				Victim:    r.Victim,
				Inflictor: r.Inflictor,
				Attacker:  r.Attacker,
				Suicide:   flag(r.Suicide),
				NoWeapon:  flag(r.NoWeapon),
			},
		}, nil
	case "custom":
		// Whitespace-only bodies are accepted here and dropped by the
		// fanout, so one chatty plugin cannot fail a mixed batch.
		return InboundEvent{Kind: EventCustom, Body: r.Body}, nil
	case "":
		return InboundEvent{}, fmt.Errorf("record missing type tag")
	default:
		return InboundEvent{}, fmt.Errorf("unknown record type %q", r.Type)
	}
}
