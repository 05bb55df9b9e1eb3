package position

import (
	"cmp"
	"encoding/json"
	"math"
	"slices"
	"strings"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// Cadence task attributes interpreted by ReorderByDay.
const (
	AttrDayOffset = "day_offset"
	AttrTaskOrder = "task_order"
)

// ReorderByDay sorts movable items by (day_offset, task_order, current
// position), renumbers them 1..K and rewrites task_order as 1..n within
// each day. Items without a day_offset count as day 0.
func (c *Collection) ReorderByDay() {
	c.mu.Lock()
	defer c.mu.Unlock()

	lead, mov, trail := c.split()
	for i := range mov {
		mov[i] = mov[i].clone()
	}
	slices.SortStableFunc(mov, func(a, b Entity) int {
		if c := cmp.Compare(intAttr(a.Attrs, AttrDayOffset), intAttr(b.Attrs, AttrDayOffset)); c != 0 {
			return c
		}
		if c := cmp.Compare(intAttr(a.Attrs, AttrTaskOrder), intAttr(b.Attrs, AttrTaskOrder)); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})

	order := 0
	for i := range mov {
		if i == 0 || intAttr(mov[i].Attrs, AttrDayOffset) != intAttr(mov[i-1].Attrs, AttrDayOffset) {
			order = 0
		}
		order++
		if mov[i].Attrs == nil {
			mov[i].Attrs = payload.Payload{}
		}
		mov[i].Attrs[AttrTaskOrder] = order
	}
	c.rebuild(lead, mov, trail)
}

// intAttr reads an integer attribute in any of the shapes decoders
// produce. Missing or malformed values read as 0.
func intAttr(attrs map[string]any, key string) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if i, err := json.Number(strings.TrimSpace(v)).Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// NotFoundError reports a missing item in a collection of noun.
func NotFoundError(noun, ref string) *ValidationError {
	return newValidationError(ErrCodeNotFound, "%s %q not found", noun, ref)
}
