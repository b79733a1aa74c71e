package registry

import (
	"github.com/brunoga/deep"

	"github.com/signalsfoundry/platform-tracker/model"
)

// HistoryLog is a bounded FIFO of motion samples for one platform. When
// full, the oldest sample is evicted before the new one is appended. The
// backing slice grows with the samples actually seen, never past capacity.
type HistoryLog struct {
	buf   []model.MotionSample
	limit int
	start int
}

// NewHistoryLog returns an empty log holding at most capacity samples.
// A capacity of zero or less keeps nothing.
func NewHistoryLog(capacity int) *HistoryLog {
	return &HistoryLog{limit: max(capacity, 0)}
}

// Cap returns the capacity.
func (h *HistoryLog) Cap() int { return h.limit }

// Len returns the number of retained samples.
func (h *HistoryLog) Len() int { return len(h.buf) }

// Append adds s, evicting the oldest sample when full.
func (h *HistoryLog) Append(s model.MotionSample) {
	if h.limit == 0 {
		return
	}
	if len(h.buf) < h.limit {
		h.buf = append(h.buf, s)
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % h.limit
}

// Resize changes the capacity, keeping the newest samples that fit.
func (h *HistoryLog) Resize(capacity int) {
	capacity = max(capacity, 0)
	if capacity == h.limit {
		return
	}
	keep := h.ordered()
	if len(keep) > capacity {
		keep = keep[len(keep)-capacity:]
	}
	h.buf, h.limit, h.start = keep, capacity, 0
}

// Samples returns a deep copy of the retained samples, oldest first. The
// copy shares nothing with the log.
func (h *HistoryLog) Samples() []model.MotionSample {
	if len(h.buf) == 0 {
		return []model.MotionSample{}
	}
	return deep.MustCopy(h.ordered())
}

// Latest returns the newest sample.
func (h *HistoryLog) Latest() (model.MotionSample, bool) {
	n := len(h.buf)
	if n == 0 {
		return model.MotionSample{}, false
	}
	return h.buf[(h.start+n-1)%n], true
}

func (h *HistoryLog) ordered() []model.MotionSample {
	n := len(h.buf)
	out := make([]model.MotionSample, n)
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+i)%n]
	}
	return out
}
