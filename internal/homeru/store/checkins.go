package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CheckIn is one row of the checkins table.
type CheckIn struct {
	ID      string
	Name    string
	Time    time.Time
	Message string
	// Room is empty when the check-in carried no room.
	Room string
}

// InsertCheckIn appends a check-in row.
func (s *Store) InsertCheckIn(ctx context.Context, c CheckIn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkins (id, name, checked_at, message, room)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Time.UTC().Format(time.RFC3339Nano), c.Message, nullableString(c.Room),
	)
	if err != nil {
		return fmt.Errorf("insert checkin: %w", err)
	}
	return nil
}

// ListCheckIns returns every check-in in insertion order.
func (s *Store) ListCheckIns(ctx context.Context) ([]CheckIn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, checked_at, message, room FROM checkins ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list checkins: %w", err)
	}
	defer rows.Close()

	var out []CheckIn
	for rows.Next() {
		var (
			c    CheckIn
			at   string
			room sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &at, &c.Message, &room); err != nil {
			return nil, fmt.Errorf("scan checkin: %w", err)
		}
		if c.Time, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("checkin %s: bad timestamp %q: %w", c.ID, at, err)
		}
		c.Room = room.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCheckIns tallies check-ins per name. A non-empty room restricts the
// tally to that room (exact match).
func (s *Store) CountCheckIns(ctx context.Context, room string) (map[string]int, error) {
	query := `SELECT name, COUNT(*) FROM checkins GROUP BY name`
	var args []any
	if room != "" {
		query = `SELECT name, COUNT(*) FROM checkins WHERE room = ? GROUP BY name`
		args = append(args, room)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count checkins: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan checkin count: %w", err)
		}
		counts[name] = n
	}
	return counts, rows.Err()
}
