package observers

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callcore/pkg/logging"
)

// artifactSuffixes are the files the timeline and cost observers write.
// Anything else in the directory belongs to someone else.
var artifactSuffixes = []string{".cost.json", ".jsonl"}

func isArtifact(name string) bool {
	for _, s := range artifactSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// PurgeArtifacts removes call artifacts in dir last written before
// now-maxAge and returns how many were removed. A live call's timeline is
// appended to on every event, so it never looks old.
func PurgeArtifacts(dir string, maxAge time.Duration, now time.Time) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	var removed int
	var errs error
	for _, entry := range entries {
		if entry.IsDir() || !isArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// RetentionSweeper purges call artifacts at start and then periodically
// for as long as the process runs.
type RetentionSweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	log      *slog.Logger

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRetentionSweeper sweeps every interval; zero sweeps hourly.
func NewRetentionSweeper(dir string, maxAge, interval time.Duration, log *slog.Logger) *RetentionSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{
		dir:      dir,
		maxAge:   maxAge,
		interval: interval,
		log:      logging.NewComponentLogger(log, "artifact_retention"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *RetentionSweeper) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop waits for an in-flight sweep. It is safe without a prior Start.
func (s *RetentionSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *RetentionSweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep()
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *RetentionSweeper) sweep() {
	n, err := PurgeArtifacts(s.dir, s.maxAge, time.Now())
	if err != nil {
		s.log.Warn("artifact_purge_failed", "dir", s.dir, "error", err)
	}
	if n > 0 {
		s.log.Info("artifacts_purged", "dir", s.dir, "files", n)
	}
}
