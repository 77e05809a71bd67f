package sim

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// rebuildRequest is one hand-off to the BVH worker: an immutable position
// snapshot plus the epoch assigned at request time.
type rebuildRequest struct {
	class     GeometryClass
	epoch     uint64
	positions []float32 // snapshot copy, never the live DataSet buffer
	indices   []uint32
	stride    int
}

// BvhManager owns one BVH per geometry class and rebuilds them on a single
// background worker while the simulation thread keeps stepping.
//
// Publication is a whole-tree atomic swap: a reader sees either the previous
// fully-built tree or the next one, never a partial structure. Requests are
// latest-wins per class — at most one pending and one in-flight rebuild, so
// a burst of requests collapses to the newest snapshot.
type BvhManager struct {
	published  [NumGeometryClasses]atomic.Pointer[Tree]
	nextEpoch  [NumGeometryClasses]uint64
	startEpoch uint64

	mu      sync.Mutex
	pending [NumGeometryClasses]*rebuildRequest
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

// NewBvhManager starts the rebuild worker. startEpoch seeds every class's
// epoch counter (non-zero on resume so monotonicity holds across restarts).
func NewBvhManager(startEpoch uint64) *BvhManager {
	m := &BvhManager{
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		startEpoch: startEpoch,
	}
	for c := range m.nextEpoch {
		m.nextEpoch[c] = startEpoch
	}
	go m.worker()
	return m
}

// RequestRebuild hands a position snapshot to the worker and returns the
// epoch the resulting tree will carry. Non-blocking: if a rebuild for the
// same class is already pending, the newer snapshot supersedes it and the
// superseded epoch is never published.
func (m *BvhManager) RequestRebuild(class GeometryClass, positions []float32, indices []uint32, stride int) uint64 {
	snap := make([]float32, len(positions))
	copy(snap, positions)

	m.mu.Lock()
	m.nextEpoch[class]++
	epoch := m.nextEpoch[class]
	if old := m.pending[class]; old != nil {
		logrus.Debugf("bvh[%s]: epoch %d superseded by %d before build", class, old.epoch, epoch)
	}
	m.pending[class] = &rebuildRequest{
		class:     class,
		epoch:     epoch,
		positions: snap,
		indices:   indices,
		stride:    stride,
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return epoch
}

// Latest returns the most recently published tree for a class, or (startEpoch,
// nil) before the first publication. Epochs returned here are monotonically
// non-decreasing for a given class.
func (m *BvhManager) Latest(class GeometryClass) (uint64, *Tree) {
	t := m.published[class].Load()
	if t == nil {
		return m.startEpoch, nil
	}
	return t.Epoch, t
}

// PublishImmediate builds a tree synchronously on the caller's thread and
// publishes it. Used at initialization for the static collider, which never
// changes afterwards.
func (m *BvhManager) PublishImmediate(class GeometryClass, positions []float32, indices []uint32, stride int) uint64 {
	m.mu.Lock()
	m.nextEpoch[class]++
	epoch := m.nextEpoch[class]
	m.mu.Unlock()
	t := BuildTree(class, epoch, positions, indices, stride)
	m.published[class].Store(t)
	return epoch
}

// Close stops the worker after it finishes any in-flight build. Pending
// requests not yet started are dropped.
func (m *BvhManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for c := range m.pending {
		m.pending[c] = nil
	}
	m.mu.Unlock()
	close(m.done)
}

// worker drains pending rebuild slots one build at a time. Single consumer:
// per-class publications happen in epoch order, so Latest never goes back in
// time.
func (m *BvhManager) worker() {
	for {
		req := m.takePending()
		if req == nil {
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		t := BuildTree(req.class, req.epoch, req.positions, req.indices, req.stride)
		m.published[req.class].Store(t)
		logrus.Debugf("bvh[%s]: published epoch %d (%d nodes)", req.class, req.epoch, len(t.Nodes))
	}
}

func (m *BvhManager) takePending() *rebuildRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.pending {
		if r := m.pending[c]; r != nil {
			m.pending[c] = nil
			return r
		}
	}
	return nil
}
