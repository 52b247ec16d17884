package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/lcq"
	"github.com/muurk/qlink/internal/logging"
)

// recordWriter appends records to one file per channel, stream and day.
type recordWriter struct {
	dir string

	mu    sync.Mutex
	files map[string]*dayFile // by channel and stream
	fails int
}

type dayFile struct {
	name string
	f    *os.File
}

func newRecordWriter(dir string) (*recordWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &recordWriter{dir: dir, files: make(map[string]*dayFile)}, nil
}

// fileName returns the file a record belongs to, e.g.
// XX.TEST.00.HHZ.2024.002.mseed.
func fileName(rec lcq.Record) string {
	suffix := ".mseed"
	if rec.Archival {
		suffix = ".archive.mseed"
	}
	return fmt.Sprintf("%s.%s%s", rec.Ident, rec.Start.UTC().Format("2006.002"), suffix)
}

// Write appends rec. Failures are logged; the link keeps running.
func (w *recordWriter) Write(rec lcq.Record) {
	if err := w.write(rec); err != nil {
		w.mu.Lock()
		w.fails++
		w.mu.Unlock()
		logging.Error("Failed to write record",
			zap.String("channel", rec.Ident.String()),
			zap.Int("sequence", rec.Sequence),
			zap.Error(err),
		)
	}
}

func (w *recordWriter) write(rec lcq.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := rec.Ident.String()
	if rec.Archival {
		key += "/archive"
	}
	name := fileName(rec)
	df := w.files[key]
	if df != nil && df.name != name {
		df.f.Close()
		df = nil
	}
	if df == nil {
		f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			delete(w.files, key)
			return err
		}
		df = &dayFile{name: name, f: f}
		w.files[key] = df
	}
	_, err := df.f.Write(rec.Data)
	return err
}

// Close closes every open file.
func (w *recordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for key, df := range w.files {
		if err := df.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.files, key)
	}
	return first
}
