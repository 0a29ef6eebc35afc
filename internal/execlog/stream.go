package execlog

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a stream checks the file for growth.
const DefaultPollInterval = 200 * time.Millisecond

// RotatedMarker is pushed as a synthetic chunk when the underlying file
// shrinks (log rotation or truncation); the stream then restarts from
// offset zero.
const RotatedMarker = "--- log rotated ---\n"

// Subscriber receives appended log chunks. Callbacks run on the stream's
// tail goroutine; implementations must be cheap or offload.
type Subscriber interface {
	OnContent(chunk []byte)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(chunk []byte)

// OnContent calls f.
func (f SubscriberFunc) OnContent(chunk []byte) { f(chunk) }

// Stream tails one growing log file and multicasts appended bytes to all
// subscribers. The file does not have to exist yet; the stream begins
// emitting once it appears. Chunks are strictly FIFO within a stream.
type Stream struct {
	path     string
	interval time.Duration

	mu     sync.Mutex
	subs   []Subscriber
	offset int64
	closed bool

	done chan struct{}
}

// Open starts tailing path. Close must be called to release the poller.
func Open(path string) *Stream {
	return OpenWithInterval(path, DefaultPollInterval)
}

// OpenWithInterval is Open with an explicit poll interval, for tests.
func OpenWithInterval(path string, interval time.Duration) *Stream {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s := &Stream{
		path:     path,
		interval: interval,
		done:     make(chan struct{}),
	}
	go s.tail()
	return s
}

// Path returns the tailed file path.
func (s *Stream) Path() string {
	return s.path
}

// InitialContent returns whatever is currently on disk, for priming a
// viewer before deltas arrive. A missing file yields empty content.
func (s *Stream) InitialContent() ([]byte, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// Subscribe registers sub for future chunks.
func (s *Stream) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.subs = append(s.subs, sub)
}

// Unsubscribe removes sub. Dispatch holds the same lock, so no callback is
// in flight or will arrive after Unsubscribe returns.
func (s *Stream) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// Close stops tailing and releases the poller. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.subs = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *Stream) tail() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// poll compares the file size against the last seen offset and pushes the
// delta. Size decrease means truncation: restart from zero after a
// synthetic marker.
func (s *Stream) poll() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	size := info.Size()

	s.mu.Lock()
	offset := s.offset
	s.mu.Unlock()

	if size < offset {
		s.dispatch([]byte(RotatedMarker))
		offset = 0
	}
	if size == offset {
		return
	}

	chunk, err := readRange(s.path, offset, size)
	if err != nil {
		slog.Debug("log stream: read delta", "path", s.path, "err", err)
		return
	}
	if len(chunk) > 0 {
		s.dispatch(chunk)
	}

	s.mu.Lock()
	s.offset = offset + int64(len(chunk))
	s.mu.Unlock()
}

// dispatch pushes one chunk to every subscriber in order. A panicking
// subscriber is logged and dropped; the stream itself never fails.
func (s *Stream) dispatch(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if deliver(sub, chunk) {
			kept = append(kept, sub)
		} else {
			slog.Warn("log stream: dropping failed subscriber", "path", s.path)
		}
	}
	s.subs = kept
}

func deliver(sub Subscriber, chunk []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	sub.OnContent(chunk)
	return true
}

func readRange(path string, from, to int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if from > 0 {
		if _, err := f.Seek(from, io.SeekStart); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, to-from)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}
