// Package format provides the message templates used when relaying game
// events into chat, including category defaults and random phrasing selection.
package format

import (
	"math/rand"
	"strings"
)

// Source produces template indices for random phrasing selection.
type Source interface {
	// Intn returns a value in [0, n).
	Intn(n int) int
}

// NewRandSource returns a Source backed by math/rand.
func NewRandSource() Source {
	return randSource{}
}

type randSource struct{}

func (randSource) Intn(n int) int { return rand.Intn(n) }

// Default template per category, substituted at load time for any category
// configured with zero phrasings.
const (
	DefaultJoin            = "`{player}` just joined the server!"
	DefaultLeave           = "`{player}` just left the server"
	DefaultSuicide         = "`{victim}` killed themselves with `{inflictor}`"
	DefaultSuicideNoWeapon = "`{victim}` killed themselves"
	DefaultKill            = "`{attacker}` killed `{victim}` with `{inflictor}`"
	DefaultKillNoWeapon    = "`{attacker}` killed `{victim}`"
)

// Formats holds the template lists for every event category.
//
// Invariant: after Normalize, every list is non-empty.
type Formats struct {
	Join            []string `yaml:"join"`
	Leave           []string `yaml:"leave"`
	Suicide         []string `yaml:"suicide"`
	SuicideNoWeapon []string `yaml:"suicide_no_weapon"`
	Kill            []string `yaml:"kill"`
	KillNoWeapon    []string `yaml:"kill_no_weapon"`
}

// Defaults returns a Formats with exactly one built-in phrasing per category.
func Defaults() Formats {
	f := Formats{}
	f.Normalize()
	return f
}

// Normalize substitutes the built-in default for every empty category.
// This is a load-time rule; rendering assumes non-empty lists.
func (f *Formats) Normalize() {
	if len(f.Join) == 0 {
		f.Join = []string{DefaultJoin}
	}
	if len(f.Leave) == 0 {
		f.Leave = []string{DefaultLeave}
	}
	if len(f.Suicide) == 0 {
		f.Suicide = []string{DefaultSuicide}
	}
	if len(f.SuicideNoWeapon) == 0 {
		f.SuicideNoWeapon = []string{DefaultSuicideNoWeapon}
	}
	if len(f.Kill) == 0 {
		f.Kill = []string{DefaultKill}
	}
	if len(f.KillNoWeapon) == 0 {
		f.KillNoWeapon = []string{DefaultKillNoWeapon}
	}
}

// RenderJoin renders a join announcement for the given player name.
//
// Precondition: f has been normalized; src must be non-nil.
func (f Formats) RenderJoin(src Source, player string) string {
	return strings.ReplaceAll(pick(src, f.Join), "{player}", player)
}

// RenderLeave renders a leave announcement for the given player name.
func (f Formats) RenderLeave(src Source, player string) string {
	return strings.ReplaceAll(pick(src, f.Leave), "{player}", player)
}

// RenderDeath renders a kill-feed line. The template category is chosen by
// the (suicide, noWeapon) pair.
func (f Formats) RenderDeath(src Source, victim, inflictor, attacker string, suicide, noWeapon bool) string {
	switch {
	case suicide && !noWeapon:
		s := strings.ReplaceAll(pick(src, f.Suicide), "{victim}", victim)
		return strings.ReplaceAll(s, "{inflictor}", inflictor)
	case suicide:
		return strings.ReplaceAll(pick(src, f.SuicideNoWeapon), "{victim}", victim)
	case !noWeapon:
		s := strings.ReplaceAll(pick(src, f.Kill), "{victim}", victim)
		s = strings.ReplaceAll(s, "{inflictor}", inflictor)
		return strings.ReplaceAll(s, "{attacker}", attacker)
	default:
		s := strings.ReplaceAll(pick(src, f.KillNoWeapon), "{victim}", victim)
		return strings.ReplaceAll(s, "{attacker}", attacker)
	}
}

func pick(src Source, templates []string) string {
	if len(templates) == 1 {
		return templates[0]
	}
	return templates[src.Intn(len(templates))]
}
