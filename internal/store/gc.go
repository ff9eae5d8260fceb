package store

import (
	"database/sql"
	"time"
)

// GCOldData purges terminal rows older than maxAge: released/expired
// claims, ended attempts/spawns, messages (read or not), and ended
// episodes. It
// never touches weave_events (that ledger has its own, independently
// windowed GC in internal/weave, per SPEC_FULL.md's reconciliation that
// the two retention windows need not agree).
func (s *Store) GCOldData(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	var total int

	err := s.inTx(func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM claims WHERE state != 'active' AND created_at < ?`,
			`DELETE FROM attempts WHERE ended_at != '' AND ended_at < ?`,
			`DELETE FROM spawns WHERE ended_at != '' AND ended_at < ?`,
			`DELETE FROM messages WHERE created_at < ?`,
			`DELETE FROM episodes WHERE ended_at != '' AND ended_at < ?`,
		}
		for _, stmt := range stmts {
			res, err := tx.Exec(stmt, cutoff)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	return total, err
}
