package telemetry

import (
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// Ring is a fixed-capacity buffer of the most recent metric records.
type Ring struct {
	mu    sync.RWMutex
	buf   []model.MetricRecord
	next  int
	count int
}

// NewRing creates a ring holding up to size records.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{buf: make([]model.MetricRecord, size)}
}

// Add stores rec, overwriting the oldest record when full.
func (r *Ring) Add(rec model.MetricRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Recent returns up to limit records, newest first. A functionID of zero
// matches every function; limit <= 0 means no limit.
func (r *Ring) Recent(functionID int64, limit int) []model.MetricRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []model.MetricRecord{}
	for i := 0; i < r.count; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		rec := r.buf[idx]
		if functionID != 0 && rec.FunctionID != functionID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len returns the number of buffered records.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
