package tracestore

import (
	"database/sql"
	"fmt"
)

// CommitBatch inserts all buffered data from a BatchedStore into SQLite
// within a single transaction. Fake (negative) source IDs are remapped to
// real ones and event references are rewritten using the fakeToReal
// mapping. Sources already recorded in the session are reused.
//
// The caller must hold the batch's lock or own the batch exclusively.
func (s *Store) CommitBatch(batch *BatchedStore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	fakeToReal := make(map[int64]int64)

	// 1. Sources
	for _, src := range batch.Sources {
		realID, err := upsertSourceTx(tx, &src)
		if err != nil {
			return fmt.Errorf("commit batch: source %q: %w", src.Name, err)
		}
		fakeToReal[src.ID] = realID
	}

	// 2. Events
	stmt, err := tx.Prepare(insertEventSQL)
	if err != nil {
		return fmt.Errorf("commit batch: prepare: %w", err)
	}
	defer stmt.Close()
	for _, ev := range batch.Events {
		if ev.SourceID != nil && *ev.SourceID < 0 {
			realID, ok := fakeToReal[*ev.SourceID]
			if !ok {
				return fmt.Errorf("commit batch: event %s references unknown source %d", ev.Kind, *ev.SourceID)
			}
			ev.SourceID = &realID
		}
		if _, err := stmt.Exec(eventArgs(&ev)...); err != nil {
			return fmt.Errorf("commit batch: event %s: %w", ev.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: commit: %w", err)
	}
	return nil
}

func upsertSourceTx(tx *sql.Tx, src *Source) (int64, error) {
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO sources (session_id, name, language) VALUES (?, ?, ?)",
		src.SessionID, src.Name, src.Language,
	); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRow("SELECT id FROM sources WHERE session_id = ? AND name = ?",
		src.SessionID, src.Name).Scan(&id)
	return id, err
}
