package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// maxLineBytes bounds a single JSON line.
const maxLineBytes = 1 << 20

// JSONL keeps records in an append-only JSON-lines file. A file holding a
// single JSON array (the original checkins.json format) is read as-is and
// converted to JSON lines before the first append.
//
// JSONL does no locking of its own; Ledger serializes access.
type JSONL struct {
	path string
	// Skipped counts malformed lines seen by the last All call.
	Skipped int
	// Logger reports legacy files that had to be set aside. Defaults to
	// slog.Default().
	Logger *slog.Logger

	now func() time.Time
}

// NewJSONL returns a Backend writing to path.
func NewJSONL(path string) *JSONL {
	return &JSONL{path: path, now: time.Now}
}

// Path returns the ledger file path.
func (b *JSONL) Path() string { return b.path }

func (b *JSONL) Append(_ context.Context, r Record) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if err := b.convertLegacy(); err != nil {
		return err
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return f.Close()
}

func (b *JSONL) All(_ context.Context) ([]Record, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if isLegacyArray(data) {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode legacy ledger: %w", err)
		}
		return records, nil
	}

	var (
		records []Record
		skipped int
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		records = append(records, r)
	}
	b.Skipped = skipped
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("scan ledger: %w", err)
	}
	return records, nil
}

// convertLegacy rewrites a legacy array file as JSON lines through a temp
// file and rename. A missing file or a file already in JSON lines is left
// alone. A legacy file that does not decode is renamed to
// <path>.corrupt-<unix> and the ledger starts empty.
func (b *JSONL) convertLegacy() error {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if !isLegacyArray(data) {
		return nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return b.setAside(err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write converted ledger: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace legacy ledger: %w", err)
	}
	return nil
}

func (b *JSONL) setAside(cause error) error {
	aside := fmt.Sprintf("%s.corrupt-%d", b.path, b.now().Unix())
	if err := os.Rename(b.path, aside); err != nil {
		return fmt.Errorf("set aside corrupt ledger: %w", err)
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("corrupt legacy ledger set aside; starting empty",
		"path", b.path,
		"moved_to", aside,
		"err", cause,
	)
	return nil
}

func isLegacyArray(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	return len(trimmed) > 0 && trimmed[0] == '['
}
