package hub

import (
	"fmt"
	"testing"
	"time"
)

func drain(conn *Connection, n int, t *testing.T) [][]byte {
	t.Helper()
	var out [][]byte
	for i := 0; i < n; i++ {
		select {
		case data := <-conn.Send:
			out = append(out, data)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", i+1, n)
		}
	}
	return out
}

func TestHubQueuesWhileOffline(t *testing.T) {
	h := NewHub(8, 16)
	go h.Run()

	// No connection bound yet: frames park in the session queue.
	h.SendNow("s1", []byte("first"))
	h.SendNow("s1", []byte("second"))
	if got := h.QueuedCount("s1"); got != 2 {
		t.Fatalf("expected 2 queued frames, got %d", got)
	}

	conn := h.NewConnection(nil)
	h.Register(conn)
	defer h.Unregister(conn)
	h.BindSession(conn, "s1")

	frames := drain(conn, 2, t)
	if string(frames[0]) != "first" || string(frames[1]) != "second" {
		t.Fatalf("replay out of order: %q, %q", frames[0], frames[1])
	}
	if got := h.QueuedCount("s1"); got != 0 {
		t.Fatalf("expected empty queue after replay, got %d", got)
	}
}

func TestHubQueueDropsOldest(t *testing.T) {
	h := NewHub(3, 16)

	for i := 0; i < 5; i++ {
		h.SendNow("s1", []byte(fmt.Sprintf("frame-%d", i)))
	}
	if got := h.QueuedCount("s1"); got != 3 {
		t.Fatalf("expected queue capped at 3, got %d", got)
	}

	go h.Run()
	conn := h.NewConnection(nil)
	h.Register(conn)
	defer h.Unregister(conn)
	h.BindSession(conn, "s1")

	frames := drain(conn, 3, t)
	if string(frames[0]) != "frame-2" || string(frames[2]) != "frame-4" {
		t.Fatalf("expected oldest frames dropped, got %q..%q", frames[0], frames[2])
	}
}

func TestHubDeliversToBoundConnection(t *testing.T) {
	h := NewHub(8, 16)
	go h.Run()

	conn := h.NewConnection(nil)
	h.Register(conn)
	defer h.Unregister(conn)
	h.BindSession(conn, "s1")

	if !h.HasActiveConnections("s1") {
		t.Fatal("expected session to have a live connection")
	}

	h.Send("s1", []byte("hello"))
	frames := drain(conn, 1, t)
	if string(frames[0]) != "hello" {
		t.Fatalf("unexpected frame: %q", frames[0])
	}
	if got := h.QueuedCount("s1"); got != 0 {
		t.Fatalf("expected nothing queued, got %d", got)
	}
}

func TestHubRebind(t *testing.T) {
	h := NewHub(8, 16)
	go h.Run()

	conn := h.NewConnection(nil)
	h.Register(conn)
	defer h.Unregister(conn)
	h.BindSession(conn, "s1")
	h.BindSession(conn, "s2")

	if h.HasActiveConnections("s1") {
		t.Fatal("expected old session binding removed")
	}
	if !h.HasActiveConnections("s2") {
		t.Fatal("expected new session binding present")
	}
}
