package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchThrottle = 100 * time.Millisecond

// Watch streams one Event per changed key until ctx is cancelled. Bursts of
// filesystem activity on the same key are coalesced. The channel is closed
// when ctx is done or the watcher fails.
func (s *DiskvStorage) Watch(ctx context.Context) (<-chan Event, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("storage: create watcher: %w", err)
	}
	if err := watcher.Add(s.basePath); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("storage: watch %s: %w", s.basePath, err)
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer watcher.Close()

		send := func(ev Event) {
			select {
			case events <- ev:
			default:
				// consumer is behind; it will re-read on the next event
			}
		}
		throttle := newKeyThrottle(watchThrottle)
		defer throttle.stop()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				key := filepath.Base(evt.Name)
				if strings.HasPrefix(key, ".") {
					continue
				}
				s.markStale(key)
				throttle.enqueue(key, send)
			}
		}
	}()
	return events, nil
}

type keyThrottle struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]struct{}
	delay   time.Duration
}

func newKeyThrottle(delay time.Duration) *keyThrottle {
	return &keyThrottle{delay: delay, pending: map[string]struct{}{}}
}

func (t *keyThrottle) enqueue(key string, send func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[key] = struct{}{}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.delay, func() { t.flush(send) })
	}
}

func (t *keyThrottle) flush(send func(Event)) {
	t.mu.Lock()
	pending := t.pending
	t.pending = map[string]struct{}{}
	t.timer = nil
	t.mu.Unlock()
	for key := range pending {
		send(Event{Key: key})
	}
}

func (t *keyThrottle) stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}
