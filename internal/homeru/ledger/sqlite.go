package ledger

import (
	"context"

	"github.com/bdobrica/Homeru/internal/homeru/store"
)

// SQLite keeps records in the checkins table of the bot database.
type SQLite struct {
	store *store.Store
}

// NewSQLite returns a Backend backed by s.
func NewSQLite(s *store.Store) *SQLite {
	return &SQLite{store: s}
}

func (b *SQLite) Append(ctx context.Context, r Record) error {
	return b.store.InsertCheckIn(ctx, store.CheckIn{
		ID:      r.ID,
		Name:    r.Name,
		Time:    r.Time,
		Message: r.Message,
		Room:    r.Room,
	})
}

func (b *SQLite) All(ctx context.Context) ([]Record, error) {
	rows, err := b.store.ListCheckIns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(rows))
	for i, c := range rows {
		out[i] = Record{ID: c.ID, Name: c.Name, Time: c.Time, Message: c.Message, Room: c.Room}
	}
	return out, nil
}

// Count tallies in SQL.
func (b *SQLite) Count(ctx context.Context, room string) (map[string]int, error) {
	return b.store.CountCheckIns(ctx, room)
}
