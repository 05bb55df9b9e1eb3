package editor

import (
	"context"
	"fmt"

	"github.com/carlosandia/crm-renove-sub007/internal/section"
	"github.com/carlosandia/crm-renove-sub007/internal/snapshot"
)

// armSnapshots starts the capture interval unless it is already running.
func (e *Editor) armSnapshots() {
	if e.snapshots == nil || e.interval <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.ticker != nil {
		return
	}
	e.tickerGen++
	gen := e.tickerGen
	e.ticker = e.clock.AfterFunc(e.interval, func() { e.tick(gen) })
}

// stopTickerLocked cancels the capture interval. Callers hold e.mu.
func (e *Editor) stopTickerLocked() {
	e.tickerGen++
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

func (e *Editor) tick(gen uint64) {
	e.mu.Lock()
	if gen != e.tickerGen || e.closed {
		e.mu.Unlock()
		return
	}
	e.ticker = nil
	e.mu.Unlock()

	if _, err := e.CaptureSnapshot(context.Background()); err != nil {
		e.logger.Warn("interval snapshot", "error", err)
	}
	if e.machine.HasUnsaved() {
		e.armSnapshots()
	}
}

// CaptureSnapshot writes the unsaved sections to the snapshot store. It
// reports false when snapshots are disabled or nothing is unsaved; in the
// latter case any stale snapshot is cleared. Termination-signal handlers
// call this directly.
func (e *Editor) CaptureSnapshot(ctx context.Context) (bool, error) {
	if e.snapshots == nil {
		return false, nil
	}
	if e.machine.AllClean() {
		e.clearIfClean(ctx)
		return false, nil
	}
	ok, err := e.snapshots.Capture(ctx, e.recordID, e.ActiveSection(), e.machine.States())
	if err != nil {
		return false, fmt.Errorf("capture snapshot: %w", err)
	}
	return ok, nil
}

func (e *Editor) clearIfClean(ctx context.Context) {
	if e.snapshots == nil || !e.machine.AllClean() {
		return
	}
	if err := e.snapshots.Clear(context.WithoutCancel(ctx), e.recordID); err != nil {
		e.logger.Warn("clear snapshot", "error", err)
	}
}

// RecoverFromSnapshot returns the stored snapshot for recordID, or nil if
// there is none or it expired. An empty recordID means this editor's
// record. The snapshot is not applied; see RestoreSnapshot.
func (e *Editor) RecoverFromSnapshot(ctx context.Context, recordID string) (*snapshot.Snapshot, error) {
	if e.snapshots == nil {
		return nil, nil
	}
	if recordID == "" {
		recordID = e.recordID
	}
	snap, err := e.snapshots.Recover(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("recover snapshot: %w", err)
	}
	return snap, nil
}

// RestoreSnapshot re-marks every recovered section as Dirty so the
// scheduler saves it again, reloads the stage and cadence collections
// from their payloads and returns the user to the captured section.
func (e *Editor) RestoreSnapshot(snap *snapshot.Snapshot) error {
	if snap == nil {
		return nil
	}
	if snap.RecordID != e.recordID {
		return fmt.Errorf("restore snapshot: record %q does not match editor record %q", snap.RecordID, e.recordID)
	}
	for _, n := range snap.Names() {
		p := snap.Sections[n]
		switch n {
		case section.Stages:
			if err := e.loadStagesPayload(p); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
		case section.Cadence:
			if err := e.loadCadencePayload(p); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
		}
		if err := e.MarkSectionDirty(n, p); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}
	if section.Valid(snap.ActiveSection) {
		e.mu.Lock()
		e.active = snap.ActiveSection
		e.mu.Unlock()
	}
	e.logger.Info("snapshot restored", "sections", len(snap.Sections), "captured_at", snap.CapturedAt)
	return nil
}
