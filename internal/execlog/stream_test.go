package execlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type collectSub struct {
	mu     sync.Mutex
	chunks []string
}

func (c *collectSub) OnContent(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, string(chunk))
}

func (c *collectSub) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStreamDeliversAppendsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	s := OpenWithInterval(path, 10*time.Millisecond)
	defer s.Close()

	sub := &collectSub{}
	s.Subscribe(sub)

	appendFile(t, path, "first\n")
	waitFor(t, "first chunk", func() bool { return sub.joined() == "first\n" })

	appendFile(t, path, "second\n")
	appendFile(t, path, "third\n")
	waitFor(t, "all chunks", func() bool { return sub.joined() == "first\nsecond\nthird\n" })
}

func TestStreamStartsBeforeFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.log")
	s := OpenWithInterval(path, 10*time.Millisecond)
	defer s.Close()

	sub := &collectSub{}
	s.Subscribe(sub)

	time.Sleep(30 * time.Millisecond)
	appendFile(t, path, "here now\n")
	waitFor(t, "content after creation", func() bool { return sub.joined() == "here now\n" })
}

func TestStreamFanOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	s := OpenWithInterval(path, 10*time.Millisecond)
	defer s.Close()

	a := &collectSub{}
	b := &collectSub{}
	s.Subscribe(a)
	s.Subscribe(b)

	appendFile(t, path, "broadcast\n")
	waitFor(t, "both subscribers", func() bool {
		return a.joined() == "broadcast\n" && b.joined() == "broadcast\n"
	})
}

func TestStreamTruncationEmitsRotatedMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	s := OpenWithInterval(path, 10*time.Millisecond)
	defer s.Close()

	sub := &collectSub{}
	s.Subscribe(sub)

	appendFile(t, path, "long original content\n")
	waitFor(t, "original", func() bool { return sub.joined() == "long original content\n" })

	if err := os.WriteFile(path, []byte("new\n"), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	waitFor(t, "rotation", func() bool {
		return sub.joined() == "long original content\n"+RotatedMarker+"new\n"
	})
}

func TestStreamUnsubscribeStopsDelivery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	s := OpenWithInterval(path, 10*time.Millisecond)
	defer s.Close()

	sub := &collectSub{}
	s.Subscribe(sub)
	appendFile(t, path, "seen\n")
	waitFor(t, "first chunk", func() bool { return sub.joined() == "seen\n" })

	s.Unsubscribe(sub)
	appendFile(t, path, "unseen\n")
	time.Sleep(50 * time.Millisecond)
	if got := sub.joined(); got != "seen\n" {
		t.Fatalf("delivery after unsubscribe: %q", got)
	}
}

func TestStreamDropsPanickingSubscriber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	s := OpenWithInterval(path, 10*time.Millisecond)
	defer s.Close()

	s.Subscribe(SubscriberFunc(func([]byte) { panic("bad subscriber") }))
	healthy := &collectSub{}
	s.Subscribe(healthy)

	appendFile(t, path, "a\n")
	waitFor(t, "healthy subscriber", func() bool { return healthy.joined() == "a\n" })

	// The panicking subscriber is gone; the stream keeps delivering.
	appendFile(t, path, "b\n")
	waitFor(t, "continued delivery", func() bool { return healthy.joined() == "a\nb\n" })
}

func TestStreamInitialContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	appendFile(t, path, "preexisting\n")

	s := OpenWithInterval(path, 10*time.Millisecond)
	defer s.Close()

	b, err := s.InitialContent()
	if err != nil {
		t.Fatalf("initial content: %v", err)
	}
	if string(b) != "preexisting\n" {
		t.Fatalf("got %q", b)
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := OpenWithInterval(filepath.Join(t.TempDir(), "x.log"), 10*time.Millisecond)
	s.Close()
	s.Close()
}
