package position

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// Rule records which step of the placement algorithm chose an insert slot.
type Rule string

const (
	RuleMatchedID    Rule = "id"
	RuleMatchedName  Rule = "name"
	RulePositionHint Rule = "position"
	RuleAppended     Rule = "append"
	RuleUpdated      Rule = "update"
)

// Hint is caller context for Insert.
type Hint struct {
	// Visual is the ordering the user currently sees, which may already
	// contain the item being inserted. Anchors in it are ignored.
	Visual []Entity
}

// Placement describes where Insert put an entity.
type Placement struct {
	Entity Entity `json:"entity"`

	// Index is the 0-based slot among movable items.
	Index int `json:"index"`

	Rule Rule `json:"rule"`

	// Replaced is true when an existing item was updated in place.
	Replaced bool `json:"replaced,omitempty"`
}

// Collection is an ordered list of entities with fixed anchors.
//
// Internally a single slice holds leading anchors, then the movable items
// in order, then trailing anchors.
type Collection struct {
	mu    sync.Mutex
	noun  string
	items []Entity
}

// New builds a collection and normalises it: movable items are sorted by
// (Position, folded name, ID) and renumbered 1..K, anchors with a position
// below 1 lead and all others trail.
//
// noun names the items in messages ("stage", "task").
func New(noun string, entities ...Entity) (*Collection, error) {
	var lead, mov, trail []Entity
	ids := make(map[string]bool)
	anchorPos := make(map[int]string)

	for _, e := range entities {
		if strings.TrimSpace(e.Name) == "" {
			return nil, newValidationError(ErrCodeInvalidEntity, "%s without a name", noun)
		}
		if e.ID != "" {
			if ids[e.ID] {
				return nil, newValidationError(ErrCodeConflict, "duplicate %s id %q", noun, e.ID)
			}
			ids[e.ID] = true
		}
		e = e.clone()
		if !e.Anchor {
			mov = append(mov, e)
			continue
		}
		if other, ok := anchorPos[e.Position]; ok {
			return nil, newValidationError(ErrCodeConflict,
				"anchors %q and %q share position %d", other, e.Name, e.Position)
		}
		anchorPos[e.Position] = e.Name
		if e.Position < 1 {
			lead = append(lead, e)
		} else {
			trail = append(trail, e)
		}
	}

	byPosition := func(a, b Entity) int { return cmp.Compare(a.Position, b.Position) }
	slices.SortFunc(lead, byPosition)
	slices.SortFunc(trail, byPosition)
	sortMovable(mov)

	if len(trail) > 0 && len(mov) >= trail[0].Position {
		return nil, newValidationError(ErrCodeConflict,
			"anchor %q at %d collides with movable range 1..%d", trail[0].Name, trail[0].Position, len(mov))
	}

	c := &Collection{noun: noun}
	c.rebuild(lead, mov, trail)
	return c, nil
}

// NewStages builds a stage collection. The Lead, Won and Lost anchors are
// added unless an anchor already occupies their reserved position.
func NewStages(entities ...Entity) (*Collection, error) {
	taken := make(map[int]bool)
	for _, e := range entities {
		if e.Anchor {
			taken[e.Position] = true
		}
	}
	all := slices.Clone(entities)
	for _, a := range Anchors() {
		if !taken[a.Position] {
			all = append(all, a)
		}
	}
	return New("stage", all...)
}

// NewTasks builds a cadence task collection. Cadences have no anchors.
func NewTasks(entities ...Entity) (*Collection, error) {
	for _, e := range entities {
		if e.Anchor {
			return nil, newValidationError(ErrCodeAnchorImmutable, "cadence task %q cannot be an anchor", e.Name)
		}
	}
	return New("task", entities...)
}

func sortMovable(mov []Entity) {
	slices.SortStableFunc(mov, func(a, b Entity) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		if c := strings.Compare(sortKey(a.Name), sortKey(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// split returns copies of the three regions. Callers hold c.mu.
func (c *Collection) split() (lead, mov, trail []Entity) {
	lo, hi := c.bounds()
	return slices.Clone(c.items[:lo]), slices.Clone(c.items[lo:hi]), slices.Clone(c.items[hi:])
}

// bounds returns the movable range items[lo:hi].
func (c *Collection) bounds() (lo, hi int) {
	hi = len(c.items)
	for lo < len(c.items) && c.items[lo].Anchor && c.items[lo].Position < 1 {
		lo++
	}
	for hi > lo && c.items[hi-1].Anchor {
		hi--
	}
	return lo, hi
}

// rebuild splices the regions back together and renumbers the movable
// items 1..K. This is the only place positions are assigned.
func (c *Collection) rebuild(lead, mov, trail []Entity) {
	items := make([]Entity, 0, len(lead)+len(mov)+len(trail))
	items = append(items, lead...)
	for i, e := range mov {
		e.Position = i + 1
		items = append(items, e)
	}
	items = append(items, trail...)
	c.items = items
}

// locate finds ref by ID first, then by name, returning the index in items.
func (c *Collection) locate(ref string) int {
	if i := slices.IndexFunc(c.items, func(e Entity) bool { return e.ID != "" && e.ID == ref }); i >= 0 {
		return i
	}
	return slices.IndexFunc(c.items, func(e Entity) bool { return e.matches(ref) })
}

// Insert places an entity among the movable items. The slot is resolved
// in order:
//
//  1. an item with the same ID is updated in place;
//  2. the entity's slot in hint.Visual (by ID, then by name);
//  3. entity.Position-1, clamped to [0, K], when Position > 0;
//  4. the end of the list.
//
// Every other insert adds an item, even when its name repeats an existing
// one. Use Update to edit an item in place. The collection is then
// renumbered, so the returned Entity carries its final position.
func (c *Collection) Insert(e Entity, hint Hint) (Placement, error) {
	if strings.TrimSpace(e.Name) == "" {
		return Placement{}, newValidationError(ErrCodeInvalidEntity, "%s without a name", c.noun)
	}
	if e.Anchor {
		return Placement{}, newValidationError(ErrCodeAnchorImmutable, "anchors are fixed and cannot be inserted")
	}
	e = e.clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	lead, mov, trail := c.split()

	if e.ID != "" {
		if slices.ContainsFunc(lead, func(a Entity) bool { return a.ID == e.ID }) ||
			slices.ContainsFunc(trail, func(a Entity) bool { return a.ID == e.ID }) {
			return Placement{}, newValidationError(ErrCodeAnchorImmutable, "%s %q is an anchor", c.noun, e.ID)
		}
		if i := slices.IndexFunc(mov, func(m Entity) bool { return m.ID == e.ID }); i >= 0 {
			return c.replace(lead, mov, trail, i, e, RuleMatchedID), nil
		}
	}
	if len(trail) > 0 && len(mov)+1 >= trail[0].Position {
		return Placement{}, newValidationError(ErrCodeCollectionFull,
			"no room for another %s before %q", c.noun, trail[0].Name)
	}

	idx, rule := visualIndex(hint.Visual, e)
	switch {
	case idx >= 0:
	case e.Position > 0:
		idx, rule = e.Position-1, RulePositionHint
	default:
		idx, rule = len(mov), RuleAppended
	}
	idx = max(0, min(idx, len(mov)))

	mov = slices.Insert(mov, idx, e)
	c.rebuild(lead, mov, trail)
	return Placement{Entity: c.items[len(lead)+idx].clone(), Index: idx, Rule: rule}, nil
}

// Update replaces the movable item ref with e, keeping its slot. An
// unsaved item takes e's ID, if any. e.Position is ignored.
func (c *Collection) Update(ref string, e Entity) (Placement, error) {
	if strings.TrimSpace(e.Name) == "" {
		return Placement{}, newValidationError(ErrCodeInvalidEntity, "%s without a name", c.noun)
	}
	if e.Anchor {
		return Placement{}, newValidationError(ErrCodeAnchorImmutable, "anchors are fixed and cannot be updated")
	}
	e = e.clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	j, err := c.movableIndex(ref, "update")
	if err != nil {
		return Placement{}, err
	}
	lead, mov, trail := c.split()
	if e.ID == "" {
		e.ID = mov[j].ID
	} else if slices.ContainsFunc(c.items, func(o Entity) bool { return o.ID == e.ID && o.ID != mov[j].ID }) {
		return Placement{}, newValidationError(ErrCodeConflict, "duplicate %s id %q", c.noun, e.ID)
	}
	return c.replace(lead, mov, trail, j, e, RuleUpdated), nil
}

func (c *Collection) replace(lead, mov, trail []Entity, i int, e Entity, rule Rule) Placement {
	mov[i] = e
	c.rebuild(lead, mov, trail)
	return Placement{Entity: c.items[len(lead)+i].clone(), Index: i, Rule: rule, Replaced: true}
}

// visualIndex finds e among the movable entries of the visual ordering,
// preferring an ID match over a name match. Returns -1 when absent.
func visualIndex(visual []Entity, e Entity) (int, Rule) {
	var movable []Entity
	for _, v := range visual {
		if !v.Anchor {
			movable = append(movable, v)
		}
	}
	if e.ID != "" {
		if i := slices.IndexFunc(movable, func(v Entity) bool { return v.ID == e.ID }); i >= 0 {
			return i, RuleMatchedID
		}
	}
	if i := slices.IndexFunc(movable, func(v Entity) bool { return sameName(v.Name, e.Name) }); i >= 0 {
		return i, RuleMatchedName
	}
	return -1, ""
}

// MoveUp swaps ref with the movable item before it. It returns false when
// ref is already first.
func (c *Collection) MoveUp(ref string) (bool, error) {
	return c.shift(ref, -1)
}

// MoveDown swaps ref with the movable item after it. It returns false when
// ref is already last.
func (c *Collection) MoveDown(ref string) (bool, error) {
	return c.shift(ref, +1)
}

func (c *Collection) shift(ref string, delta int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, err := c.movableIndex(ref, "move")
	if err != nil {
		return false, err
	}
	lead, mov, trail := c.split()
	k := j + delta
	if k < 0 || k >= len(mov) {
		return false, nil
	}
	mov[j], mov[k] = mov[k], mov[j]
	c.rebuild(lead, mov, trail)
	return true, nil
}

// MoveTo moves ref to the 0-based movable slot index.
func (c *Collection) MoveTo(ref string, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, err := c.movableIndex(ref, "move")
	if err != nil {
		return err
	}
	lead, mov, trail := c.split()
	if index < 0 || index >= len(mov) {
		return newValidationError(ErrCodeInvalidIndex, "index %d outside 0..%d", index, len(mov)-1)
	}
	e := mov[j]
	mov = slices.Delete(mov, j, j+1)
	mov = slices.Insert(mov, index, e)
	c.rebuild(lead, mov, trail)
	return nil
}

// movableIndex resolves ref to its index among movable items. Callers hold c.mu.
func (c *Collection) movableIndex(ref, verb string) (int, error) {
	i := c.locate(ref)
	if i < 0 {
		return -1, newValidationError(ErrCodeNotFound, "%s %q not found", c.noun, ref)
	}
	if c.items[i].Anchor {
		return -1, newValidationError(ErrCodeAnchorImmutable, "cannot %s system %s %q", verb, c.noun, c.items[i].Name)
	}
	lo, _ := c.bounds()
	return i - lo, nil
}

// Delete removes ref after the deletion guard approves it. A rejected
// delete returns the verdict together with a *ValidationError and leaves
// the collection unchanged.
func (c *Collection) Delete(ref string) (Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, code, i := c.check(ref)
	if !v.CanDelete {
		return v, &ValidationError{
			Code:    code,
			Message: fmt.Sprintf("cannot delete %s %q", c.noun, ref),
			Reasons: slices.Clone(v.BlockingReasons),
		}
	}
	items := slices.Delete(slices.Clone(c.items), i, i+1)
	c.items = items
	lead, mov, trail := c.split()
	c.rebuild(lead, mov, trail)
	return v, nil
}

// Renumber re-sorts the movable items by (Position, folded name, ID) and
// assigns 1..K. Anchors are untouched.
func (c *Collection) Renumber() {
	c.mu.Lock()
	defer c.mu.Unlock()

	lead, mov, trail := c.split()
	sortMovable(mov)
	c.rebuild(lead, mov, trail)
}

// Items returns a copy of the full ordering, anchors included.
func (c *Collection) Items() []Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.items)
}

// Movable returns a copy of the movable items in order.
func (c *Collection) Movable() []Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	lo, hi := c.bounds()
	return cloneAll(c.items[lo:hi])
}

// Len returns the number of movable items.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	lo, hi := c.bounds()
	return hi - lo
}

// Find looks ref up by ID, then by name.
func (c *Collection) Find(ref string) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.locate(ref)
	if i < 0 {
		return Entity{}, false
	}
	return c.items[i].clone(), true
}

// Noun returns the item noun used in messages.
func (c *Collection) Noun() string {
	return c.noun
}

func cloneAll(in []Entity) []Entity {
	out := make([]Entity, len(in))
	for i, e := range in {
		out[i] = e.clone()
	}
	return out
}

type collectionBody struct {
	Items []Entity `json:"items"`
}

// Payload encodes the full ordering as a section payload:
// {"items": [{"name": ..., "position": ...}, ...]}.
func (c *Collection) Payload() (payload.Payload, error) {
	data, err := json.Marshal(collectionBody{Items: c.Items()})
	if err != nil {
		return nil, fmt.Errorf("encode %s collection: %w", c.noun, err)
	}
	return payload.Decode(data)
}

// EntitiesFromPayload decodes a payload written by Collection.Payload.
func EntitiesFromPayload(p payload.Payload) ([]Entity, error) {
	data, err := payload.MarshalCanonical(p)
	if err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var body collectionBody
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	if body.Items == nil {
		return []Entity{}, nil
	}
	return body.Items, nil
}
