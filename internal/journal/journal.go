// Package journal appends coordinator lifecycle events to date-organized
// JSONL files.
package journal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/honeycomb/internal/relay"
)

// FileName is the journal file inside each date directory.
const FileName = "events.jsonl"

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed     = errors.New("journal is closed")
	// ErrBufferFull is returned when the write queue is full.
	ErrBufferFull = errors.New("journal buffer full")
)

// Options tunes a Writer.
type Options struct {
	BufferSize int
	MaxSizeMB  int
}

// Record is one journal line.
type Record struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Writer appends events asynchronously. A new file is opened under
// <dir>/<YYYY-MM-DD>/ whenever the UTC date of the event changes.
type Writer struct {
	dir       string
	maxSizeMB int

	writeCh chan Record
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// New starts a writer rooted at dir.
func New(dir string, opts Options) *Writer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 512
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 25
	}
	w := &Writer{
		dir:       dir,
		maxSizeMB: opts.MaxSizeMB,
		writeCh:   make(chan Record, opts.BufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues evt without blocking.
func (w *Writer) Write(evt relay.Event) error {
	rec := Record{ID: evt.ID, Kind: evt.Kind, Time: evt.Time, Payload: json.RawMessage(evt.Payload)}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if !json.Valid(rec.Payload) {
		rec.Payload = json.RawMessage("null")
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.writeCh <- rec:
		return nil
	default:
		slog.Warn("journal buffer full, dropping event", "kind", evt.Kind, "id", evt.ID)
		return ErrBufferFull
	}
}

// Follow subscribes the writer to b. The returned func unsubscribes and
// waits until every event already delivered has been queued.
func (w *Writer) Follow(b *relay.Broker) (stop func()) {
	id, ch := b.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range ch {
			if err := w.Write(evt); err != nil && !errors.Is(err, ErrBufferFull) {
				slog.Debug("journal write failed", "kind", evt.Kind, "error", err)
			}
		}
	}()
	return func() {
		b.Unsubscribe(id)
		wg.Wait()
	}
}

// Close flushes queued records and closes the current file.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		err := w.logger.Close()
		w.logger = nil
		return err
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.writeCh:
			w.writeRecord(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.writeCh:
					w.writeRecord(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeRecord(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("journal record not encodable", "kind", rec.Kind, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := rec.Time.UTC().Format("2006-01-02")
	if w.logger == nil || date != w.currentDate {
		if !w.rotateForDate(date) {
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "kind", rec.Kind, "error", err)
	}
}

func (w *Writer) rotateForDate(date string) bool {
	if w.logger != nil {
		if err := w.logger.Close(); err != nil {
			slog.Debug("journal file close failed", "error", err)
		}
		w.logger = nil
	}

	dir := filepath.Join(w.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create journal directory", "dir", dir, "error", err)
		return false
	}
	filename := filepath.Join(dir, FileName)
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	w.currentDate = date
	slog.Info("opened journal file", "file", filename)
	return true
}
