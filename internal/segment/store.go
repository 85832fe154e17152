// Package segment persists full, untruncated trace records as side files.
//
// A segment exists only when size governance truncated a field in the main
// log; the segment holds the complete event so reconstruction never needs
// the main stream. Files are named flowtrace-{timestampMillis}-{KIND}.json
// and are immutable once written.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/internal/event"
	"github.com/flowtrace/flowtrace-go/internal/logging"
)

// Store writes segment files into one destination directory. The directory
// is created lazily on the first overflow; a run with no oversized events
// leaves no directory behind.
type Store struct {
	dir string
	log *logging.Logger

	mu      sync.Mutex
	created bool
}

// NewStore creates a store rooted at dir. Nothing touches the filesystem
// until the first Persist call.
func NewStore(dir string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	return &Store{dir: dir, log: log}
}

// Persist writes the full event as an indented JSON file and returns the
// reference recorded in the main log (dir/filename). Name collisions within
// the same millisecond and kind get a sequence suffix; an existing segment
// is never overwritten.
func (s *Store) Persist(evt *event.Event) (string, error) {
	data, err := evt.EncodePretty()
	if err != nil {
		return "", fmt.Errorf("encode segment: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return "", err
	}

	name, err := s.reserveName(evt.TimestampMillis(), evt.Kind)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write segment: %w", err)
	}

	s.log.Debug("segment written",
		zap.String("file", path),
		zap.String("kind", string(evt.Kind)))
	return s.dir + "/" + name, nil
}

func (s *Store) ensureDir() error {
	if s.created {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create segment directory: %w", err)
	}
	s.created = true
	return nil
}

// reserveName picks the first unused name for this millisecond and kind:
// flowtrace-<millis>-<KIND>.json, then -2, -3, ... on collision.
func (s *Store) reserveName(millis int64, kind event.Kind) (string, error) {
	base := fmt.Sprintf("flowtrace-%d-%s", millis, kind)
	name := base + ".json"
	for seq := 2; ; seq++ {
		_, err := os.Stat(filepath.Join(s.dir, name))
		if os.IsNotExist(err) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("probe segment name: %w", err)
		}
		name = fmt.Sprintf("%s-%d.json", base, seq)
	}
}

// Dir returns the destination directory.
func (s *Store) Dir() string {
	return s.dir
}
