package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	activeDateLayout  = "2006-01-02"
	rotateStampLayout = "20060102T150405"
	writerBuffer      = 1024
	defaultQueryLimit = 100
)

// LogFilter narrows historical log queries. Zero values match everything.
type LogFilter struct {
	Category Category
	Level    Level
	Since    time.Time
	Until    time.Time
	Limit    int
}

type writeOp struct {
	entry   *LogEntry
	barrier chan struct{}
}

// logWriter is the single writer of the durable NDJSON log. The active file
// is named by UTC date; size-threshold rotation renames it with a rotation
// timestamp suffix and retention deletes the oldest files beyond the cap.
type logWriter struct {
	dir      string
	maxBytes int64
	maxFiles int
	log      *slog.Logger

	in   chan writeOp
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// Owned by the run goroutine.
	file *os.File
	size int64
	date string
}

func newLogWriter(dir string, maxBytes int64, maxFiles int, logger *slog.Logger) (*logWriter, error) {
	if dir == "" {
		dir = "data/logs"
	}
	if maxBytes <= 0 {
		maxBytes = 5 * 1024 * 1024
	}
	if maxFiles <= 0 {
		maxFiles = 14
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	w := &logWriter{
		dir:      dir,
		maxBytes: maxBytes,
		maxFiles: maxFiles,
		log:      logger,
		in:       make(chan writeOp, writerBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Append queues an entry for the durable log. Best effort: if the writer is
// saturated or stopped the entry only survives in the ring buffer.
func (w *logWriter) Append(entry LogEntry) {
	select {
	case w.in <- writeOp{entry: &entry}:
	case <-w.quit:
	default:
	}
}

// Query reads the union of rotated and active files newest first, applying
// the filter and short-circuiting at the limit. A write barrier runs first
// so everything appended before the call is visible.
func (w *logWriter) Query(filter LogFilter) ([]LogEntry, error) {
	barrier := make(chan struct{})
	select {
	case w.in <- writeOp{barrier: barrier}:
		select {
		case <-barrier:
		case <-w.quit:
		}
	case <-w.quit:
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	files, err := w.historyFiles()
	if err != nil {
		return nil, err
	}

	var results []LogEntry
	for _, name := range files {
		entries, err := readEntries(filepath.Join(w.dir, name))
		if err != nil {
			w.log.Warn("skipping unreadable log file", "file", name, "error", err)
			continue
		}
		// Files are append-only, so walk each one newest line first.
		for i := len(entries) - 1; i >= 0; i-- {
			if !filter.matches(entries[i]) {
				continue
			}
			results = append(results, entries[i])
			if len(results) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func (f LogFilter) matches(entry LogEntry) bool {
	if f.Category != "" && entry.Category != f.Category {
		return false
	}
	if f.Level != "" && entry.Level != f.Level {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// historyFiles lists log files newest first.
func (w *logWriter) historyFiles() ([]string, error) {
	dirEntries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}
	type candidate struct {
		name string
		mod  time.Time
	}
	var candidates []candidate
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".log") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: de.Name(), mod: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].mod.Equal(candidates[j].mod) {
			return candidates[i].name > candidates[j].name
		}
		return candidates[i].mod.After(candidates[j].mod)
	})
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names, nil
}

func readEntries(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn line from a crash mid-write; skip it.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// Close flushes pending writes and releases the active file. Idempotent.
func (w *logWriter) Close() {
	w.once.Do(func() {
		close(w.quit)
		<-w.done
	})
}

func (w *logWriter) run() {
	defer close(w.done)
	for {
		select {
		case op := <-w.in:
			w.handle(op)
		case <-w.quit:
			for {
				select {
				case op := <-w.in:
					w.handle(op)
				default:
					if w.file != nil {
						_ = w.file.Close()
						w.file = nil
					}
					return
				}
			}
		}
	}
}

func (w *logWriter) handle(op writeOp) {
	if op.barrier != nil {
		close(op.barrier)
		return
	}
	if err := w.write(*op.entry); err != nil {
		w.log.Error("durable log write failed", "error", err)
	}
}

func (w *logWriter) write(entry LogEntry) error {
	today := time.Now().UTC().Format(activeDateLayout)
	if w.file == nil || w.date != today {
		// On a date change the previous active file already carries its
		// date in the name; just start the new day's file.
		if err := w.openActive(today); err != nil {
			return err
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	if w.size > 0 && w.size+int64(len(line)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func (w *logWriter) openActive(date string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	path := filepath.Join(w.dir, date+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open active log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat active log: %w", err)
	}
	w.file = f
	w.size = info.Size()
	w.date = date
	return nil
}

func (w *logWriter) rotate() error {
	active := filepath.Join(w.dir, w.date+".log")
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	target := filepath.Join(w.dir, fmt.Sprintf("%s.%s.log", w.date, time.Now().UTC().Format(rotateStampLayout)))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(w.dir, fmt.Sprintf("%s.%d.log", w.date, time.Now().UnixNano()))
	}
	if err := os.Rename(active, target); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}

	if err := w.openActive(w.date); err != nil {
		return err
	}
	w.applyRetention()
	return nil
}

// applyRetention deletes the oldest files beyond the configured count.
func (w *logWriter) applyRetention() {
	names, err := w.historyFiles()
	if err != nil {
		w.log.Warn("log retention scan failed", "error", err)
		return
	}
	if len(names) <= w.maxFiles {
		return
	}
	for _, name := range names[w.maxFiles:] {
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
			w.log.Warn("log retention delete failed", "file", name, "error", err)
		}
	}
}
