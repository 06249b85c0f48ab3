package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// WAL is an append-only journal of recorded events, one JSON document
// per line, in daily files. On restart the engine replays the directory
// to rebuild the in-memory recorder.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	dir  string
	path string
}

// NewWAL opens (or creates) today's journal file under dir.
func NewWAL(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	path := filepath.Join(dir, walFilename(time.Now()))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	return &WAL{file: file, dir: dir, path: path}, nil
}

func walFilename(t time.Time) string {
	return fmt.Sprintf("events-%s.wal", t.Format("20060102"))
}

// Append journals one event. The write is synced before returning so an
// acknowledged event survives a crash.
func (w *WAL) Append(e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write wal entry: %w", err)
	}
	return w.file.Sync()
}

// Dir returns the journal directory, for replay.
func (w *WAL) Dir() string {
	return w.dir
}

// Rotate switches to a new daily file if the date has changed.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, walFilename(time.Now()))
	if path == w.path {
		return nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	w.file.Close()
	w.file = file
	w.path = path
	return nil
}

// Close syncs and closes the journal.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReplayFile reads every event from one journal file. Malformed lines
// are skipped with a warning so one torn write cannot block startup.
func ReplayFile(path string) ([]*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}
	defer file.Close()

	var events []*Event
	skipped := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan wal file: %w", err)
	}

	if skipped > 0 {
		fmt.Printf("Warning: skipped %d malformed wal entries in %s\n", skipped, path)
	}
	return events, nil
}

// ReplayDir replays every journal file under dir in filename order,
// which is chronological for daily files.
func ReplayDir(dir string) ([]*Event, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "events-*.wal"))
	if err != nil {
		return nil, fmt.Errorf("list wal files: %w", err)
	}
	sort.Strings(matches)

	var events []*Event
	for _, path := range matches {
		fileEvents, err := ReplayFile(path)
		if err != nil {
			fmt.Printf("Warning: wal replay of %s incomplete: %v\n", path, err)
		}
		events = append(events, fileEvents...)
	}

	if len(events) > 0 {
		fmt.Printf("Replayed %d events from %d wal files\n", len(events), len(matches))
	}
	return events, nil
}
