package media

import "log/slog"

// TrackQueue is a fixed-capacity ring of owned frame clones for one track.
// It never grows: enqueueing into a full queue overwrites the oldest unread
// frame. Overwrites are counted but not reported as errors.
//
// A TrackQueue is not safe for concurrent use.
type TrackQueue struct {
	id    int
	tb    Timebase
	slots []Frame
	start int
	n     int

	ts          int64
	hasTS       bool
	overwritten uint64

	log *slog.Logger
}

// NewTrackQueue creates a queue for track id holding up to capacity frames.
// Timestamps reported by the queue are expressed in tb.
func NewTrackQueue(id int, tb Timebase, capacity int, log *slog.Logger) *TrackQueue {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &TrackQueue{
		id:    id,
		tb:    tb,
		slots: make([]Frame, capacity),
		log:   log.With("component", "track-queue", "track", id),
	}
}

// ID returns the track id.
func (q *TrackQueue) ID() int { return q.id }

// Timebase returns the queue's output timebase.
func (q *TrackQueue) Timebase() Timebase { return q.tb }

// Len returns the number of buffered frames.
func (q *TrackQueue) Len() int { return q.n }

// Cap returns the queue capacity.
func (q *TrackQueue) Cap() int { return len(q.slots) }

// Overwritten returns how many unread frames were lost to overflow.
func (q *TrackQueue) Overwritten() uint64 { return q.overwritten }

// Timestamp returns the DTS of the most recently enqueued frame in the
// queue's timebase. ok is false until the first Enqueue.
func (q *TrackQueue) Timestamp() (ts int64, ok bool) {
	return q.ts, q.hasTS
}

// Enqueue clones f into the next slot, reusing that slot's buffer.
func (q *TrackQueue) Enqueue(f *Frame) {
	end := (q.start + q.n) % len(q.slots)
	if q.n == len(q.slots) {
		q.overwritten++
		q.log.Debug("track queue full, overwriting oldest frame",
			"dts", q.slots[q.start].DTS, "overwritten", q.overwritten)
		q.start = (q.start + 1) % len(q.slots)
	} else {
		q.n++
	}
	f.Clone(&q.slots[end])
	q.ts = f.Timebase.Rescale(f.DTS, q.tb)
	q.hasTS = true
}

// Peek returns the oldest frame without removing it. The frame stays valid
// until the next Enqueue or Dequeue.
func (q *TrackQueue) Peek() (*Frame, bool) {
	if q.n == 0 {
		return nil, false
	}
	return &q.slots[q.start], true
}

// Dequeue removes the oldest frame and hands its buffer to the caller.
func (q *TrackQueue) Dequeue() (Frame, bool) {
	if q.n == 0 {
		return Frame{}, false
	}
	slot := &q.slots[q.start]
	f := *slot
	*slot = Frame{}
	q.pop()
	return f, true
}

// DequeueInto removes the oldest frame into dst. The buffers of dst and the
// vacated slot are swapped so both are recycled.
func (q *TrackQueue) DequeueInto(dst *Frame) bool {
	if q.n == 0 {
		return false
	}
	slot := &q.slots[q.start]
	spare := dst.Data
	if !dst.Owned {
		spare = nil
	}
	*dst = *slot
	*slot = Frame{Data: spare[:0], Owned: spare != nil}
	q.pop()
	return true
}

func (q *TrackQueue) pop() {
	q.start = (q.start + 1) % len(q.slots)
	q.n--
}

// DrainWhile passes frames to fn from oldest to newest, removing each one
// for which fn returns true and stopping at the first false. The frame is
// only valid during the call. It returns the number of frames removed.
func (q *TrackQueue) DrainWhile(fn func(*Frame) bool) int {
	removed := 0
	for q.n > 0 {
		if !fn(&q.slots[q.start]) {
			break
		}
		q.pop()
		removed++
	}
	return removed
}

// Each visits buffered frames from oldest to newest without removing them,
// stopping when fn returns false.
func (q *TrackQueue) Each(fn func(*Frame) bool) {
	for i := 0; i < q.n; i++ {
		if !fn(&q.slots[(q.start+i)%len(q.slots)]) {
			return
		}
	}
}

// Reset empties the queue, keeping slot buffers for reuse.
func (q *TrackQueue) Reset() {
	q.start, q.n = 0, 0
	q.hasTS = false
	q.ts = 0
}
