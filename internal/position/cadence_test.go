package position

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

func task(name string, pos int, day any, order any) Entity {
	attrs := payload.Payload{}
	if day != nil {
		attrs[AttrDayOffset] = day
	}
	if order != nil {
		attrs[AttrTaskOrder] = order
	}
	return Entity{Name: name, Position: pos, Attrs: attrs}
}

func TestReorderByDay(t *testing.T) {
	c, err := NewTasks(
		task("follow-up email", 1, 3, 1),
		task("intro call", 2, 0, 2),
		task("linkedin", 3, json.Number("0"), json.Number("1")),
		task("proposal", 4, 3.0, nil),
		task("no day", 5, nil, nil),
	)
	require.NoError(t, err)

	c.ReorderByDay()

	var names []string
	var orders []int
	for i, e := range c.Movable() {
		assert.Equal(t, i+1, e.Position)
		names = append(names, e.Name)
		orders = append(orders, intAttr(e.Attrs, AttrTaskOrder))
	}
	assert.Equal(t, []string{"no day", "linkedin", "intro call", "proposal", "follow-up email"}, names)
	assert.Equal(t, []int{1, 2, 3, 1, 2}, orders)
}

func TestReorderByDay_Idempotent(t *testing.T) {
	c, err := NewTasks(task("a", 1, 1, 2), task("b", 2, 1, 1), task("c", 3, 0, 1))
	require.NoError(t, err)
	c.ReorderByDay()
	first := c.Items()
	c.ReorderByDay()
	assert.Equal(t, first, c.Items())
}

func TestIntAttr(t *testing.T) {
	attrs := map[string]any{"i": 2, "f": 2.5, "n": json.Number("7"), "s": " 4 ", "bad": "x"}
	assert.Equal(t, 2, intAttr(attrs, "i"))
	assert.Equal(t, 0, intAttr(attrs, "f"))
	assert.Equal(t, 7, intAttr(attrs, "n"))
	assert.Equal(t, 4, intAttr(attrs, "s"))
	assert.Equal(t, 0, intAttr(attrs, "bad"))
	assert.Equal(t, 0, intAttr(attrs, "missing"))
}

func TestNotFoundError(t *testing.T) {
	err := NotFoundError("stage", "Demo")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), `stage "Demo" not found`)
}
