package position

import "fmt"

// Severity grades a deletion verdict for the confirmation step.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ManyItemsThreshold is the movable count above which deleting an item
// carries a "many items" warning.
const ManyItemsThreshold = 5

// Verdict is the deletion guard's answer. It is returned, never thrown,
// so the caller can present a confirmation step.
type Verdict struct {
	CanDelete       bool     `json:"can_delete"`
	BlockingReasons []string `json:"blocking_reasons"`
	Warnings        []string `json:"warnings"`
	Severity        Severity `json:"severity"`
}

// CheckDelete evaluates whether ref may be deleted without changing
// anything.
func (c *Collection) CheckDelete(ref string) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _, _ := c.check(ref)
	return v
}

// check runs the guard. It returns the verdict, the rejection code when
// blocked, and the index of ref in items. Callers hold c.mu.
func (c *Collection) check(ref string) (Verdict, ErrorCode, int) {
	v := Verdict{BlockingReasons: []string{}, Warnings: []string{}}
	var code ErrorCode

	i := c.locate(ref)
	lo, hi := c.bounds()
	switch {
	case i < 0:
		code = ErrCodeNotFound
		v.BlockingReasons = append(v.BlockingReasons, fmt.Sprintf("%s %q not found", c.noun, ref))
	case c.items[i].Anchor:
		code = ErrCodeAnchorImmutable
		v.BlockingReasons = append(v.BlockingReasons,
			fmt.Sprintf("%q is a system %s and cannot be deleted", c.items[i].Name, c.noun))
	case hi-lo <= 1:
		code = ErrCodeLastMovable
		v.BlockingReasons = append(v.BlockingReasons,
			fmt.Sprintf("at least one %s must remain", c.noun))
	default:
		e := c.items[i]
		if i == lo {
			v.Warnings = append(v.Warnings, fmt.Sprintf("this is the first %s in the flow", c.noun))
		}
		if hi-lo > ManyItemsThreshold {
			v.Warnings = append(v.Warnings, fmt.Sprintf("many %ss already exist (%d)", c.noun, hi-lo))
		}
		if e.ID != "" {
			v.Warnings = append(v.Warnings,
				fmt.Sprintf("this %s is already saved; records that reference it may need attention", c.noun))
		}
	}

	v.CanDelete = len(v.BlockingReasons) == 0
	switch {
	case !v.CanDelete:
		v.Severity = SeverityHigh
	case len(v.Warnings) >= 2:
		v.Severity = SeverityMedium
	default:
		v.Severity = SeverityLow
	}
	return v, code, i
}
