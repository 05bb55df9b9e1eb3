package section

import "fmt"

// Status is the save state of one section.
type Status int

const (
	Clean Status = iota
	Dirty
	Saving
	Error
)

var statusNames = [...]string{"clean", "dirty", "saving", "error"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status as its lowercase name.
func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText parses a lowercase status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, n := range statusNames {
		if n == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("invalid status %q", text)
}

// Unsaved reports whether the section holds edits the remote store has
// not confirmed.
func (s Status) Unsaved() bool {
	return s == Dirty || s == Saving || s == Error
}

// ParseStatus parses a lowercase status name.
func ParseStatus(s string) (Status, error) {
	var st Status
	err := st.UnmarshalText([]byte(s))
	return st, err
}
