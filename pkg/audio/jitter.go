package audio

import (
	"log/slog"

	"github.com/harunnryd/callcore/pkg/logging"
)

const (
	DefaultJitterTarget = 3
	DefaultJitterMax    = 50
)

// JitterConfig sizes a JitterBuffer in frames.
type JitterConfig struct {
	// Target is the fill level reached before Get starts releasing frames.
	Target int
	// Max is the hard cap; the oldest frame is dropped past it.
	Max    int
	Logger *slog.Logger
}

// JitterBuffer is a bounded FIFO of audio frames with a playout lead.
// Once Target frames are queued it releases frames until it runs dry,
// then builds the lead again.
type JitterBuffer struct {
	frames  [][]byte
	target  int
	max     int
	primed  bool
	dropped int
	logger  *slog.Logger
}

func NewJitterBuffer(cfg JitterConfig) *JitterBuffer {
	if cfg.Target <= 0 {
		cfg.Target = DefaultJitterTarget
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultJitterMax
	}
	if cfg.Max < cfg.Target {
		cfg.Max = cfg.Target
	}
	return &JitterBuffer{
		target: cfg.Target,
		max:    cfg.Max,
		logger: logging.NewComponentLogger(cfg.Logger, "jitter_buffer"),
	}
}

// Add queues a frame, dropping the oldest one on overflow.
func (j *JitterBuffer) Add(frame []byte) {
	if len(frame) == 0 {
		return
	}
	j.frames = append(j.frames, frame)
	if len(j.frames) > j.max {
		j.frames[0] = nil
		j.frames = j.frames[1:]
		j.dropped++
		j.logger.Warn("jitter_buffer_overflow",
			slog.Int("max_frames", j.max),
			slog.Int("dropped_total", j.dropped))
	}
	if len(j.frames) >= j.target {
		j.primed = true
	}
}

// Get returns the next frame once the target fill level has been reached,
// nil otherwise.
func (j *JitterBuffer) Get() []byte {
	if !j.primed {
		return nil
	}
	return j.pop()
}

// GetImmediate returns the next frame regardless of fill level.
func (j *JitterBuffer) GetImmediate() []byte {
	return j.pop()
}

func (j *JitterBuffer) pop() []byte {
	if len(j.frames) == 0 {
		j.primed = false
		return nil
	}
	f := j.frames[0]
	j.frames[0] = nil
	j.frames = j.frames[1:]
	if len(j.frames) == 0 {
		j.primed = false
	}
	return f
}

// IsReady reports whether Get would release a frame.
func (j *JitterBuffer) IsReady() bool { return j.primed && len(j.frames) > 0 }

// Level returns the number of queued frames.
func (j *JitterBuffer) Level() int { return len(j.frames) }

// Dropped returns how many frames were discarded on overflow.
func (j *JitterBuffer) Dropped() int { return j.dropped }

// Clear drops every queued frame and the playout lead.
func (j *JitterBuffer) Clear() {
	for i := range j.frames {
		j.frames[i] = nil
	}
	j.frames = j.frames[:0]
	j.primed = false
}
