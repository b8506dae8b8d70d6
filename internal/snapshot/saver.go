// Package snapshot writes every Nth composite frame to disk as PNG.
package snapshot

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
)

// Saver persists a sample of frames. Offer is safe for concurrent use.
type Saver struct {
	dir   string
	every uint64
	now   func() time.Time
	log   pslog.Logger

	mu      sync.Mutex
	seen    uint64
	saved   atomic.Uint64
	dropped atomic.Uint64
}

// New constructs a Saver that keeps one frame out of every.
func New(dir string, every int) (*Saver, error) {
	return NewWithLogger(dir, every, nil)
}

// NewWithLogger constructs a Saver with logging.
func NewWithLogger(dir string, every int, logger pslog.Logger) (*Saver, error) {
	if every < 1 {
		return nil, fmt.Errorf("snapshot interval must be at least 1, got %d", every)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Saver{
		dir:   dir,
		every: uint64(every),
		now:   time.Now,
		log:   logger.With("component", "snapshot", "dir", dir),
	}, nil
}

// Offer counts img and saves it when it is due. It returns the written path,
// or "" when the frame was skipped.
func (s *Saver) Offer(img *image.RGBA) (string, error) {
	s.mu.Lock()
	s.seen++
	seq := s.seen
	s.mu.Unlock()
	if (seq-1)%s.every != 0 {
		return "", nil
	}
	path, err := s.save(seq, img)
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("snapshot save failed", "seq", seq, "err", err)
		return "", err
	}
	s.saved.Add(1)
	s.log.Debug("snapshot saved", "seq", seq, "path", path)
	return path, nil
}

// Stats returns saved and dropped counts.
func (s *Saver) Stats() (saved, dropped uint64) {
	return s.saved.Load(), s.dropped.Load()
}

func (s *Saver) save(seq uint64, img *image.RGBA) (string, error) {
	name := fmt.Sprintf("frame_%06d_%s.png", seq, s.now().Format("20060102_150405.000"))
	path := filepath.Join(s.dir, name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if err := png.Encode(file, img); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("encode png: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return path, nil
}
