package section

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Name identifies one independently saveable part of a pipeline record.
type Name string

const (
	Basic         Name = "basic"
	Stages        Name = "stages"
	Fields        Name = "fields"
	Distribution  Name = "distribution"
	Cadence       Name = "cadence"
	Qualification Name = "qualification"
	Motives       Name = "motives"
)

// ErrUnknownSection is returned for names outside the fixed set.
var ErrUnknownSection = errors.New("unknown section")

var all = []Name{Basic, Stages, Fields, Distribution, Cadence, Qualification, Motives}

var displayNames = map[Name]string{
	Basic:         "Básico",
	Stages:        "Etapas",
	Fields:        "Campos",
	Distribution:  "Distribuição",
	Cadence:       "Cadência",
	Qualification: "Qualificação",
	Motives:       "Motivos",
}

// All returns every section in editor tab order.
func All() []Name {
	return slices.Clone(all)
}

// Parse validates a section name. Matching ignores case and surrounding
// whitespace.
func Parse(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSection, s)
	}
	return n, nil
}

// Valid reports whether n names a known section.
func (n Name) Valid() bool {
	_, ok := displayNames[n]
	return ok
}

// Valid reports whether n is one of the known sections.
func Valid(n Name) bool { return n.Valid() }

// DisplayName is the label shown to users.
func (n Name) DisplayName() string {
	if d, ok := displayNames[n]; ok {
		return d
	}
	return string(n)
}

func (n Name) String() string { return string(n) }
