package store

import "context"

// Turn statuses recorded in turn_log.
const (
	TurnRunning = "running"
	TurnSuccess = "success"
	TurnFailed  = "failed"
)

// TurnStart describes an AI-reply attempt as it begins.
type TurnStart struct {
	TraceID         string
	ConversationKey string
	RoomID          string
	SenderID        string
	// Kind is "reply" or "checkin".
	Kind string
}

// LogTurn inserts a new row into turn_log and returns the inserted ID.
func (s *Store) LogTurn(ctx context.Context, t TurnStart) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_log (trace_id, conversation_key, room_id, sender_id, kind)
		VALUES (?, ?, ?, ?, ?)`,
		t.TraceID, t.ConversationKey, nullableString(t.RoomID), t.SenderID, t.Kind,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishTurn updates an existing turn_log row with the outcome and the
// wall-clock duration of the attempt in milliseconds.
func (s *Store) FinishTurn(ctx context.Context, id int64, status string, durationMS int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE turn_log
		SET status = ?, error_msg = ?, duration_ms = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		status, nullableString(errMsg), durationMS, id,
	)
	return err
}

// TurnCounts returns the number of turn_log rows per status.
func (s *Store) TurnCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM turn_log GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
