// Package snapshot keeps a local copy of unsaved section edits so work
// survives a crash, a closed tab or a killed process.
//
// A snapshot holds only the sections that were Dirty or Error when it was
// captured. Each capture replaces the previous one for the same record,
// and a snapshot older than the retention window is treated as gone.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

const (
	// KeyPrefix namespaces snapshot keys in a shared KV.
	KeyPrefix = "pipeline_emergency_"

	// Version is written into every snapshot. Snapshots with another
	// version are discarded on recovery.
	Version = "1.0"

	// DefaultRetention is how long a snapshot stays recoverable.
	DefaultRetention = 60 * time.Minute
)

// Snapshot is the recovered state of one record.
type Snapshot struct {
	RecordID      string                           `json:"record_id"`
	CapturedAt    time.Time                        `json:"captured_at"`
	ActiveSection section.Name                     `json:"active_section,omitempty"`
	Sections      map[section.Name]payload.Payload `json:"sections"`
	Statuses      map[section.Name]section.Status  `json:"statuses,omitempty"`
	Version       string                           `json:"version"`
}

// Names returns the captured sections in tab order.
func (s *Snapshot) Names() []section.Name {
	var out []section.Name
	for _, n := range section.All() {
		if _, ok := s.Sections[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Key returns the KV key for a record's snapshot.
func Key(recordID string) string {
	return KeyPrefix + recordID
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long snapshots remain recoverable.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithNow sets the time source for capture stamps and expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store captures and recovers snapshots through a KV.
//
// Thread-safety: Store is safe for concurrent use if its KV is.
type Store struct {
	kv        KV
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewStore creates a snapshot store over kv.
func NewStore(kv KV, opts ...Option) *Store {
	s := &Store{
		kv:        kv,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration { return s.retention }

// Capture writes the Dirty and Error sections of states as the record's
// snapshot. It reports false, without writing, when nothing is unsaved.
// Sections mid-save are included too: their edit is not durable yet.
func (s *Store) Capture(ctx context.Context, recordID string, active section.Name, states []section.State) (bool, error) {
	snap := &Snapshot{
		RecordID:      recordID,
		CapturedAt:    s.now().UTC(),
		ActiveSection: active,
		Sections:      make(map[section.Name]payload.Payload),
		Statuses:      make(map[section.Name]section.Status),
		Version:       Version,
	}
	for _, st := range states {
		if !st.Status.Unsaved() {
			continue
		}
		p := st.Payload
		if p == nil {
			p = payload.Payload{}
		}
		snap.Sections[st.Name] = p.Clone()
		snap.Statuses[st.Name] = st.Status
	}
	if len(snap.Sections) == 0 {
		return false, nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, Key(recordID), data); err != nil {
		return false, fmt.Errorf("write snapshot: %w", err)
	}
	s.logger.Debug("snapshot captured", "record", recordID, "sections", len(snap.Sections))
	return true, nil
}

// Recover returns the record's snapshot, or nil when there is none.
// Expired, corrupt and foreign snapshots are removed and reported as
// absent.
func (s *Store) Recover(ctx context.Context, recordID string) (*Snapshot, error) {
	key := Key(recordID)
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !ok {
		return nil, nil
	}

	snap, reason := decode(data, recordID)
	if reason == "" && s.retention > 0 && s.now().Sub(snap.CapturedAt) > s.retention {
		reason = "expired"
	}
	if reason != "" {
		s.logger.Warn("discarding snapshot", "record", recordID, "reason", reason)
		if err := s.kv.Remove(ctx, key); err != nil {
			return nil, fmt.Errorf("remove snapshot: %w", err)
		}
		return nil, nil
	}
	return snap, nil
}

func decode(data []byte, recordID string) (*Snapshot, string) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, "corrupt"
	}
	switch {
	case snap.Version != Version:
		return nil, "version " + snap.Version
	case snap.RecordID != recordID:
		return nil, "record mismatch"
	case len(snap.Sections) == 0:
		return nil, "empty"
	}
	for n := range snap.Sections {
		if !section.Valid(n) {
			return nil, "unknown section " + string(n)
		}
	}
	return &snap, ""
}

// Clear removes the record's snapshot. Clearing a missing snapshot is
// not an error.
func (s *Store) Clear(ctx context.Context, recordID string) error {
	if err := s.kv.Remove(ctx, Key(recordID)); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
