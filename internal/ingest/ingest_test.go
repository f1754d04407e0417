package ingest

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/avmux/container"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, w := r.Register("test-stream", container.MPEGTS)

	if stream.Key != "test-stream" {
		t.Fatalf("got key %q, want %q", stream.Key, "test-stream")
	}
	if stream.Format != container.MPEGTS {
		t.Fatalf("got format %s, want %s", stream.Format, container.MPEGTS)
	}
	if w == nil {
		t.Fatal("writer is nil")
	}

	got, ok := r.Get("test-stream")
	if !ok {
		t.Fatal("Get returned false for registered stream")
	}
	if got != stream {
		t.Fatal("Get returned different stream pointer")
	}
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("Get returned true for missing stream")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Register("stream1", container.MPEGTS)

	r.Unregister("stream1")

	_, ok := r.Get("stream1")
	if ok {
		t.Fatal("stream still found after Unregister")
	}
}

func TestRegistryUnregisterMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	// Should not panic.
	r.Unregister("nonexistent")
}

func TestRegistryUnregisterClosesPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("stream1", container.MPEGTS)
	r.Unregister("stream1")

	// Reading from the input side should return EOF after pipe is closed.
	buf := make([]byte, 1)
	_, err := stream.input.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF after Unregister, got %v", err)
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
}

func TestRegistryReplaceClosesPrevious(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	first, _ := r.Register("cam", container.FLV)
	second, _ := r.Register("cam", container.MPEGTS)

	select {
	case <-first.Done():
	default:
		t.Fatal("replaced stream not closed")
	}
	got, ok := r.Get("cam")
	if !ok || got != second {
		t.Fatal("Get did not return the replacement")
	}
	r.Unregister("cam")
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	for _, key := range []string{"b", "c", "a"} {
		r.Register(key, container.KindUnknown)
	}
	var keys []string
	for _, s := range r.List() {
		keys = append(keys, s.Key)
	}
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("List keys = %v, want [a b c]", keys)
	}
}

func TestRegistryOnStreamCallback(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calledKey string
	var calledFormat container.Kind

	done := make(chan struct{})
	r := NewRegistry(func(s *Stream, _ io.Reader) {
		mu.Lock()
		calledKey = s.Key
		calledFormat = s.Format
		mu.Unlock()
		close(done)
	})

	r.Register("cb-stream", container.MPEGTS)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback not called within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if calledKey != "cb-stream" {
		t.Fatalf("callback got key %q, want %q", calledKey, "cb-stream")
	}
	if calledFormat != container.MPEGTS {
		t.Fatalf("callback got format %s, want %s", calledFormat, container.MPEGTS)
	}
}

func TestStreamRecordRead(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1", container.MPEGTS)

	stream.RecordRead(100)
	stream.RecordRead(200)

	stats := stream.Stats()
	if stats.BytesReceived != 300 {
		t.Fatalf("BytesReceived = %d, want 300", stats.BytesReceived)
	}
	if stats.ReadCount != 2 {
		t.Fatalf("ReadCount = %d, want 2", stats.ReadCount)
	}
}

func TestStreamSetRemoteAddr(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1", container.MPEGTS)

	stream.SetRemoteAddr("192.168.1.1:5000")

	stats := stream.Stats()
	if stats.RemoteAddr != "192.168.1.1:5000" {
		t.Fatalf("RemoteAddr = %q, want %q", stats.RemoteAddr, "192.168.1.1:5000")
	}
}

func TestStreamIngestStatsUptime(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1", container.MPEGTS)

	// Sleep briefly to ensure uptime is measurable.
	time.Sleep(10 * time.Millisecond)

	stats := stream.Stats()
	if stats.UptimeMs < 10 {
		t.Fatalf("UptimeMs = %d, expected at least 10", stats.UptimeMs)
	}
	if stats.ConnectedAt == 0 {
		t.Fatal("ConnectedAt is zero")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "stream-" + string(rune('A'+n%26))
			r.Register(key, container.MPEGTS)
			r.Get(key)
			r.Unregister(key)
		}(i)
	}

	wg.Wait()
}
