// Package kvcache holds per-session key/value buffers for incremental
// decoding. A session accumulates one or more source positions per append and
// hands back contiguous rank-4 tensors plus the current decode offset, so a
// decode request only ships the new token over the wire.
package kvcache

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_kvcache_sessions",
		Help: "Number of live decode sessions",
	})
	tokensAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_kvcache_tokens_total",
		Help: "Total source positions appended across all sessions",
	})
)

// Store defines a session-keyed key/value cache.
type Store interface {
	// Append adds the source positions of k and v (shape
	// [batch, n, headsKV, headDim]) to the session, creating it on first
	// use, and returns the new total sequence length.
	Append(session string, k, v *tensor.Tensor) (int, error)
	// Snapshot returns the accumulated k/v tensors
	// [batch, length, headsKV, headDim] and the sequence length.
	Snapshot(session string) (k, v *tensor.Tensor, length int, ok bool)
	// Drop discards a session.
	Drop(session string)
	// Sessions returns the number of live sessions.
	Sessions() int
}

// MemStore is the in-memory implementation of Store.
type MemStore struct {
	sessions map[string]*entry
	mu       sync.RWMutex
}

// entry is one session's growing buffer. The backing slices are laid out
// [batch, capacity, heads, headDim] so appends are per-row copies and growth
// never moves previously returned snapshots.
type entry struct {
	batch, heads, headDim int
	dtype                 tensor.DType
	length, capacity      int
	kData, vData          []float32
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*entry),
	}
}

const initialCapacity = 16

func (s *MemStore) Append(session string, k, v *tensor.Tensor) (int, error) {
	if k.Rank() != 4 || v.Rank() != 4 {
		return 0, fmt.Errorf("kvcache: k/v must be rank 4, got %v/%v", k.Shape(), v.Shape())
	}
	for i := 0; i < 4; i++ {
		if k.Dim(i) != v.Dim(i) {
			return 0, fmt.Errorf("kvcache: k shape %v does not match v shape %v", k.Shape(), v.Shape())
		}
	}
	batch, n, heads, headDim := k.Dim(0), k.Dim(1), k.Dim(2), k.Dim(3)
	if n == 0 {
		return 0, fmt.Errorf("kvcache: append of zero source positions")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[session]
	if !ok {
		e = &entry{batch: batch, heads: heads, headDim: headDim, dtype: k.DType()}
		s.sessions[session] = e
		sessionsGauge.Inc()
	} else if e.batch != batch || e.heads != heads || e.headDim != headDim {
		return 0, fmt.Errorf("kvcache: session %q holds [%d,*,%d,%d], got %v",
			session, e.batch, e.heads, e.headDim, k.Shape())
	}

	e.grow(e.length + n)
	rowLen := heads * headDim
	kData, vData := k.Data(), v.Data()
	for b := 0; b < batch; b++ {
		srcOff := b * n * rowLen
		dstOff := (b*e.capacity + e.length) * rowLen
		copy(e.kData[dstOff:dstOff+n*rowLen], kData[srcOff:srcOff+n*rowLen])
		copy(e.vData[dstOff:dstOff+n*rowLen], vData[srcOff:srcOff+n*rowLen])
	}
	e.length += n
	tokensAppended.Add(float64(n))
	return e.length, nil
}

// grow reallocates the buffers to hold at least need positions per batch row,
// doubling capacity so appends stay amortized constant.
func (e *entry) grow(need int) {
	if need <= e.capacity {
		return
	}
	capacity := e.capacity
	if capacity == 0 {
		capacity = initialCapacity
	}
	for capacity < need {
		capacity *= 2
	}

	rowLen := e.heads * e.headDim
	kData := make([]float32, e.batch*capacity*rowLen)
	vData := make([]float32, e.batch*capacity*rowLen)
	for b := 0; b < e.batch; b++ {
		copy(kData[b*capacity*rowLen:], e.kData[b*e.capacity*rowLen:(b*e.capacity+e.length)*rowLen])
		copy(vData[b*capacity*rowLen:], e.vData[b*e.capacity*rowLen:(b*e.capacity+e.length)*rowLen])
	}
	e.kData, e.vData, e.capacity = kData, vData, capacity
}

func (s *MemStore) Snapshot(session string) (*tensor.Tensor, *tensor.Tensor, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[session]
	if !ok {
		return nil, nil, 0, false
	}

	// Copy out to a contiguous [batch, length, heads, headDim] layout; the
	// internal stride is the capacity, not the length.
	rowLen := e.heads * e.headDim
	kOut := tensor.New(e.dtype, e.batch, e.length, e.heads, e.headDim)
	vOut := tensor.New(e.dtype, e.batch, e.length, e.heads, e.headDim)
	for b := 0; b < e.batch; b++ {
		src := b * e.capacity * rowLen
		dst := b * e.length * rowLen
		copy(kOut.Data()[dst:dst+e.length*rowLen], e.kData[src:src+e.length*rowLen])
		copy(vOut.Data()[dst:dst+e.length*rowLen], e.vData[src:src+e.length*rowLen])
	}
	return kOut, vOut, e.length, true
}

func (s *MemStore) Drop(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session]; ok {
		delete(s.sessions, session)
		sessionsGauge.Dec()
	}
}

func (s *MemStore) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
