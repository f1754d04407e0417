package media

import (
	"bytes"
	"testing"
)

func frameAt(dts int64, b byte) *Frame {
	return &Frame{Kind: KindAACRaw, PTS: dts, DTS: dts, Timebase: MPEGClock, Data: []byte{b, b}}
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 5, 8} {
		q := NewTrackQueue(1, MPEGClock, 8, nil)
		for i := 0; i < n; i++ {
			q.Enqueue(frameAt(int64(i*1000), byte(i)))
		}
		if q.Len() != n {
			t.Fatalf("n=%d: Len = %d", n, q.Len())
		}
		for i := 0; i < n; i++ {
			f, ok := q.Dequeue()
			if !ok {
				t.Fatalf("n=%d: Dequeue %d empty", n, i)
			}
			if f.DTS != int64(i*1000) || f.PTS != int64(i*1000) || f.Data[0] != byte(i) {
				t.Errorf("n=%d: frame %d = %v", n, i, &f)
			}
		}
		if _, ok := q.Dequeue(); ok {
			t.Errorf("n=%d: queue not empty", n)
		}
	}
}

func TestQueueClonesOnEnqueue(t *testing.T) {
	t.Parallel()
	q := NewTrackQueue(0, MPEGClock, 4, nil)
	buf := []byte{1, 2, 3}
	q.Enqueue(&Frame{Data: buf, Timebase: MPEGClock})
	buf[0] = 42
	f, _ := q.Peek()
	if f.Data[0] != 1 {
		t.Error("queue stored the caller's buffer")
	}
	if !f.Owned {
		t.Error("queued frame not owned")
	}
}

func TestQueueOverwrite(t *testing.T) {
	t.Parallel()
	q := NewTrackQueue(0, MPEGClock, 3, nil)
	for i := 0; i < 5; i++ {
		q.Enqueue(frameAt(int64(i), byte(i)))
	}
	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}
	if q.Overwritten() != 2 {
		t.Errorf("Overwritten = %d, want 2", q.Overwritten())
	}
	f, _ := q.Peek()
	if f.DTS != 2 {
		t.Errorf("oldest DTS = %d, want 2", f.DTS)
	}
}

func TestQueueTimestamp(t *testing.T) {
	t.Parallel()
	q := NewTrackQueue(0, MPEGClock, 4, nil)
	if _, ok := q.Timestamp(); ok {
		t.Error("timestamp set on empty queue")
	}
	q.Enqueue(&Frame{DTS: 40, PTS: 80, Timebase: Millisecond})
	ts, ok := q.Timestamp()
	if !ok || ts != 3600 {
		t.Errorf("Timestamp = %d, %v, want 3600", ts, ok)
	}
	q.Dequeue()
	if ts, _ := q.Timestamp(); ts != 3600 {
		t.Errorf("Timestamp after dequeue = %d, want 3600", ts)
	}
}

func TestQueueDrainWhile(t *testing.T) {
	t.Parallel()
	q := NewTrackQueue(0, MPEGClock, 8, nil)
	for i := 0; i < 6; i++ {
		q.Enqueue(frameAt(int64(i*10), byte(i)))
	}
	var seen []int64
	n := q.DrainWhile(func(f *Frame) bool {
		if f.DTS >= 30 {
			return false
		}
		seen = append(seen, f.DTS)
		return true
	})
	if n != 3 || len(seen) != 3 || seen[2] != 20 {
		t.Errorf("drained %d %v", n, seen)
	}
	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}

	count := 0
	q.Each(func(*Frame) bool { count++; return true })
	if count != 3 || q.Len() != 3 {
		t.Errorf("Each visited %d, Len %d", count, q.Len())
	}
}

func TestQueueDequeueIntoSwapsBuffers(t *testing.T) {
	t.Parallel()
	q := NewTrackQueue(0, MPEGClock, 2, nil)
	q.Enqueue(frameAt(1, 0xAA))

	dst := &Frame{Data: make([]byte, 0, 32), Owned: true}
	spare := dst.Data[:1]
	if !q.DequeueInto(dst) {
		t.Fatal("DequeueInto on non-empty queue")
	}
	if !bytes.Equal(dst.Data, []byte{0xAA, 0xAA}) {
		t.Errorf("data = % x", dst.Data)
	}

	q.Enqueue(frameAt(2, 0xBB))
	q.Enqueue(frameAt(3, 0xCC))
	q.Enqueue(frameAt(4, 0xDD))
	// The slot that received dst's old buffer is reused.
	found := false
	q.Each(func(f *Frame) bool {
		if cap(f.Data) == 32 && &f.Data[:1][0] == &spare[0] {
			found = true
		}
		return true
	})
	if !found {
		t.Error("caller buffer was not recycled into the queue")
	}
	if q.DequeueInto(&Frame{}) != true {
		t.Error("DequeueInto failed")
	}
}

func TestQueueReset(t *testing.T) {
	t.Parallel()
	q := NewTrackQueue(3, Millisecond, 2, nil)
	q.Enqueue(frameAt(1, 1))
	q.Reset()
	if q.Len() != 0 || q.ID() != 3 || q.Cap() != 2 {
		t.Errorf("after Reset: len=%d id=%d cap=%d", q.Len(), q.ID(), q.Cap())
	}
	if _, ok := q.Timestamp(); ok {
		t.Error("timestamp survived Reset")
	}
}
