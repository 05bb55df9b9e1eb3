package position

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// Reserved anchor positions for pipeline stages.
const (
	LeadPosition = 0
	WonPosition  = 998
	LostPosition = 999
)

// Anchor stage names.
const (
	LeadName = "Lead"
	WonName  = "Won"
	LostName = "Lost"
)

// Entity is one orderable item: a pipeline stage or a cadence task.
type Entity struct {
	// ID is the stable identity assigned on first persist. Empty for items
	// the user has created but not yet saved.
	ID string `json:"id,omitempty"`

	Name string `json:"name"`

	// Position is the dense 1..K index for movable items or the reserved
	// value for anchors. On input it is only a hint.
	Position int `json:"position"`

	Anchor bool `json:"anchor,omitempty"`

	// Attrs carries domain fields the reconciler does not interpret
	// (stage color, task channel, day offset, ...).
	Attrs payload.Payload `json:"attrs,omitempty"`
}

func (e Entity) clone() Entity {
	e.Attrs = e.Attrs.Clone()
	return e
}

// matches reports whether ref names this entity, by ID first and then by
// exact (NFC, trimmed) name.
func (e Entity) matches(ref string) bool {
	if ref == "" {
		return false
	}
	if e.ID != "" && e.ID == ref {
		return true
	}
	return sameName(e.Name, ref)
}

// sameName is the exact-name comparison used for placement: Unicode
// normal form and surrounding whitespace do not count as differences.
func sameName(a, b string) bool {
	return canonicalName(a) == canonicalName(b)
}

func canonicalName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// sortKey is the tie-break key for equal positions. Case folding keeps
// "lead" and "Lead" adjacent; the Caser is built per call because it is
// stateful.
func sortKey(s string) string {
	return cases.Fold().String(canonicalName(s))
}

// Anchors returns the three stage anchors with their reserved positions.
func Anchors() []Entity {
	return []Entity{
		{Name: LeadName, Position: LeadPosition, Anchor: true},
		{Name: WonName, Position: WonPosition, Anchor: true},
		{Name: LostName, Position: LostPosition, Anchor: true},
	}
}
