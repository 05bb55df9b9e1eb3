// Package position keeps user-orderable lists gap-free.
//
// A Collection holds movable entities numbered densely 1..K plus optional
// anchors. Anchors have reserved positions: a leading anchor below the
// movable range (0), and trailing anchors far above it (998, 999). Anchors
// never move, are never renumbered and can never be deleted.
//
// Pipeline stages are a Collection with the Lead, Won and Lost anchors.
// Cadence tasks within a stage are a Collection without anchors.
//
// # Numbering
//
// After every structural change (insert, move, delete) the movable items
// are renumbered from their list order. Incoming Position values are only
// hints. Renumber additionally re-sorts by (Position, folded name, ID), so
// it can reconcile a list whose numbers were edited elsewhere. Applying
// it to a list that is already numbered is a no-op.
//
// # Thread-safety
//
// All Collection methods are safe for concurrent use. Structural edits are
// serialized by an internal mutex and never interleave.
package position
