package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// SavedSection is the last saved payload of one section.
type SavedSection struct {
	RecordID string
	Section  section.Name
	Payload  payload.Payload
	Hash     string
	Saves    int
	SavedAt  string
}

// HistoryEntry is one row of the append-only save log.
type HistoryEntry struct {
	Seq     int64
	Section section.Name
	Hash    string
	SavedAt string
}

// PersistSection upserts a section's payload and appends a history row in
// one transaction.
func (s *Store) PersistSection(ctx context.Context, recordID string, n section.Name, p payload.Payload) error {
	text, hash, err := encodePayload(payload.DomainSection, p)
	if err != nil {
		return fmt.Errorf("persist section %s: %w", n, err)
	}
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist section %s: begin tx: %w", n, err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO section_saves (record_id, section, payload, hash, saves, saved_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(record_id, section) DO UPDATE SET
			payload = excluded.payload,
			hash = excluded.hash,
			saves = section_saves.saves + 1,
			saved_at = excluded.saved_at
	`, recordID, string(n), text, hash, now); err != nil {
		return fmt.Errorf("persist section %s: %w", n, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO section_history (record_id, section, hash, saved_at)
		VALUES (?, ?, ?, ?)
	`, recordID, string(n), hash, now); err != nil {
		return fmt.Errorf("persist section %s: history: %w", n, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist section %s: commit: %w", n, err)
	}
	return nil
}

// LoadSection returns the last saved payload of one section. A section
// never saved returns ok=false.
func (s *Store) LoadSection(ctx context.Context, recordID string, n section.Name) (SavedSection, bool, error) {
	var (
		out  = SavedSection{RecordID: recordID, Section: n}
		text string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, hash, saves, saved_at FROM section_saves
		WHERE record_id = ? AND section = ?
	`, recordID, string(n)).Scan(&text, &out.Hash, &out.Saves, &out.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SavedSection{}, false, nil
	}
	if err != nil {
		return SavedSection{}, false, fmt.Errorf("load section %s: %w", n, err)
	}
	if out.Payload, err = decodePayload(text); err != nil {
		return SavedSection{}, false, fmt.Errorf("load section %s: %w", n, err)
	}
	return out, true, nil
}

// LoadRecord returns every saved section of a record in tab order.
func (s *Store) LoadRecord(ctx context.Context, recordID string) ([]SavedSection, error) {
	var out []SavedSection
	for _, n := range section.All() {
		saved, ok, err := s.LoadSection(ctx, recordID, n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, saved)
		}
	}
	return out, nil
}

// History returns the save log of a record in save order. An empty n
// returns every section.
func (s *Store) History(ctx context.Context, recordID string, n section.Name) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, section, hash, saved_at FROM section_history
		WHERE record_id = ? AND (? = '' OR section = ?)
		ORDER BY seq ASC
	`, recordID, string(n), string(n))
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", recordID, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			h    HistoryEntry
			name string
		)
		if err := rows.Scan(&h.Seq, &name, &h.Hash, &h.SavedAt); err != nil {
			return nil, fmt.Errorf("history %s: %w", recordID, err)
		}
		h.Section = section.Name(name)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %s: %w", recordID, err)
	}
	return out, nil
}
