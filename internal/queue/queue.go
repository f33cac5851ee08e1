// Package queue implements the bounded FIFO admission queue between the
// transport and the drain worker.
//
// The queue is bounded on two axes: scan count and estimated bytes. A scan's
// byte cost is estimated once at admission and the identical value is
// released at dequeue, so the running byte total cannot drift.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pointsink/pointsink/config"
	"github.com/pointsink/pointsink/internal/types"
)

// OverflowCategory says which bound rejected a scan.
type OverflowCategory string

const (
	// OverflowMemory means admitting the scan would exceed the byte bound.
	OverflowMemory OverflowCategory = "memory"
	// OverflowCount means the queue already holds the maximum scan count.
	OverflowCount OverflowCategory = "count"
)

// OverflowEvent describes one rejected scan.
type OverflowEvent struct {
	Category       OverflowCategory
	ScanID         string
	DeviceID       string
	EstimatedBytes int64
	QueueLen       int
	QueueBytes     int64
}

// BackpressureEvent is informational: an admission left the queue at or
// above the configured fill ratio. Nothing is rejected.
type BackpressureEvent struct {
	FillRatio  float64
	QueueLen   int
	QueueBytes int64
}

// Listener receives queue events. Callbacks run on the enqueueing goroutine
// after the queue lock is released; implementations must not call back into
// the queue's mutating methods.
type Listener interface {
	QueueOverflow(OverflowEvent)
	QueueBackpressure(BackpressureEvent)
}

// entry pairs a queued scan with its admission-time byte estimate.
type entry struct {
	scan           *types.Scan
	estimatedBytes int64
	enqueuedAt     time.Time
}

// Entry is one dequeued scan with its admission-time bookkeeping.
type Entry struct {
	Scan           *types.Scan
	EstimatedBytes int64
	EnqueuedAt     time.Time
}

// Queue is a mutex-guarded ring buffer of scans awaiting persistence.
// The ring's capacity is the count bound, so count overflow and slot
// exhaustion are the same condition.
type Queue struct {
	mu       sync.RWMutex
	data     []entry
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	maxCount int64
	maxBytes int64
	curBytes int64

	listeners []Listener

	// Statistics
	enqueueCount atomic.Int64
	dequeueCount atomic.Int64
	dropMemory   atomic.Int64
	dropCount    atomic.Int64
	bpEvents     atomic.Int64
}

// New creates a queue bounded by maxCount scans and maxBytes estimated bytes.
func New(maxCount int, maxBytes int64) *Queue {
	if maxCount <= 0 {
		maxCount = config.DefaultQueueMaxCount
	}
	if maxBytes <= 0 {
		maxBytes = config.DefaultQueueMaxBytes
	}
	return &Queue{
		data:     make([]entry, maxCount),
		maxCount: int64(maxCount),
		maxBytes: maxBytes,
	}
}

// AddListener registers an event listener. Not safe to call once the queue
// is in use; wire listeners during startup.
func (q *Queue) AddListener(l Listener) {
	q.listeners = append(q.listeners, l)
}

// Enqueue admits a scan or rejects it if either bound would be exceeded.
// The byte bound is checked before the count bound. Returns false when the
// scan was rejected.
func (q *Queue) Enqueue(scan *types.Scan) bool {
	est := scan.EstimatedBytes()

	q.mu.Lock()

	if q.curBytes+est > q.maxBytes {
		ev := OverflowEvent{
			Category:       OverflowMemory,
			ScanID:         scan.ScanID,
			DeviceID:       scan.DeviceID,
			EstimatedBytes: est,
			QueueLen:       int(q.count),
			QueueBytes:     q.curBytes,
		}
		q.mu.Unlock()
		q.dropMemory.Add(1)
		q.notifyOverflow(ev)
		return false
	}

	if q.count >= q.maxCount {
		ev := OverflowEvent{
			Category:       OverflowCount,
			ScanID:         scan.ScanID,
			DeviceID:       scan.DeviceID,
			EstimatedBytes: est,
			QueueLen:       int(q.count),
			QueueBytes:     q.curBytes,
		}
		q.mu.Unlock()
		q.dropCount.Add(1)
		q.notifyOverflow(ev)
		return false
	}

	idx := q.head % q.maxCount
	q.data[idx] = entry{scan: scan, estimatedBytes: est, enqueuedAt: time.Now()}
	q.head++
	q.count++
	q.curBytes += est

	ratio := float64(q.count) / float64(q.maxCount)
	var bp *BackpressureEvent
	if ratio >= config.BackpressureRatio {
		bp = &BackpressureEvent{
			FillRatio:  ratio,
			QueueLen:   int(q.count),
			QueueBytes: q.curBytes,
		}
	}
	q.mu.Unlock()

	q.enqueueCount.Add(1)
	if bp != nil {
		q.bpEvents.Add(1)
		for _, l := range q.listeners {
			l.QueueBackpressure(*bp)
		}
	}
	return true
}

// Dequeue removes and returns the oldest queued scan, releasing exactly the
// bytes captured at its admission. Returns false if the queue is empty.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()

	if q.count == 0 {
		q.mu.Unlock()
		return Entry{}, false
	}

	idx := q.tail % q.maxCount
	e := q.data[idx]
	q.data[idx] = entry{} // Clear for GC
	q.tail++
	q.count--
	q.curBytes -= e.estimatedBytes
	q.mu.Unlock()

	q.dequeueCount.Add(1)
	return Entry{Scan: e.scan, EstimatedBytes: e.estimatedBytes, EnqueuedAt: e.enqueuedAt}, true
}

// Drain removes and returns every queued entry in FIFO order, returning the
// count and byte totals to zero.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, q.count)
	for q.count > 0 {
		idx := q.tail % q.maxCount
		e := q.data[idx]
		q.data[idx] = entry{} // Clear for GC
		q.tail++
		q.count--
		q.curBytes -= e.estimatedBytes
		out = append(out, Entry{Scan: e.scan, EstimatedBytes: e.estimatedBytes, EnqueuedAt: e.enqueuedAt})
	}
	q.mu.Unlock()

	q.dequeueCount.Add(int64(len(out)))
	return out
}

// Len returns the current number of queued scans.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return int(q.count)
}

// Bytes returns the current estimated queued bytes.
func (q *Queue) Bytes() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.curBytes
}

// FillRatio returns count/maxCount in [0.0, 1.0].
func (q *Queue) FillRatio() float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return float64(q.count) / float64(q.maxCount)
}

func (q *Queue) notifyOverflow(ev OverflowEvent) {
	for _, l := range q.listeners {
		l.QueueOverflow(ev)
	}
}

// Stats returns queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return QueueStats{
		MaxCount:           int(q.maxCount),
		MaxBytes:           q.maxBytes,
		Count:              int(q.count),
		Bytes:              q.curBytes,
		FillRatio:          float64(q.count) / float64(q.maxCount),
		EnqueueCount:       q.enqueueCount.Load(),
		DequeueCount:       q.dequeueCount.Load(),
		DroppedMemory:      q.dropMemory.Load(),
		DroppedCount:       q.dropCount.Load(),
		BackpressureEvents: q.bpEvents.Load(),
	}
}

// QueueStats holds queue statistics.
type QueueStats struct {
	MaxCount           int
	MaxBytes           int64
	Count              int
	Bytes              int64
	FillRatio          float64
	EnqueueCount       int64
	DequeueCount       int64
	DroppedMemory      int64
	DroppedCount       int64
	BackpressureEvents int64
}
