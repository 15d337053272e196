package ledger

import (
	"encoding/json"
	"sort"
	"time"
)

// Record is one check-in. Records are append-only.
type Record struct {
	ID      string
	Name    string
	Time    time.Time
	Message string
	// Room is empty for check-ins outside a room.
	Room string
}

// wireRecord is the on-disk and HTTP representation. Field names follow the
// original checkins.json so existing dashboards keep working.
type wireRecord struct {
	ID      string    `json:"id,omitempty"`
	Name    string    `json:"name"`
	Time    time.Time `json:"time"`
	Message string    `json:"msg"`
	Room    *string   `json:"room"`
}

// MarshalJSON encodes r in the legacy {name,time,msg,room} shape with a null
// room for roomless check-ins.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{ID: r.ID, Name: r.Name, Time: r.Time.UTC(), Message: r.Message}
	if r.Room != "" {
		room := r.Room
		w.Room = &room
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both the legacy shape and records written by this
// package.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{ID: w.ID, Name: w.Name, Time: w.Time, Message: w.Message}
	if w.Room != nil {
		r.Room = *w.Room
	}
	return nil
}

// Entry is one line of a ranking.
type Entry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Tally counts records per name, keeping only those whose room equals room
// when room is non-empty.
func Tally(records []Record, room string) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		if room != "" && r.Room != room {
			continue
		}
		counts[r.Name]++
	}
	return counts
}

// Rank orders a tally by count descending, then by name.
func Rank(counts map[string]int) []Entry {
	out := make([]Entry, 0, len(counts))
	for name, n := range counts {
		out = append(out, Entry{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
