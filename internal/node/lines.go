package node

import (
	"regexp"
	"sync"
)

const historySize = 256

// lineWatch keeps the most recent output lines and wakes watchers whose
// pattern matches. Lines seen before a watcher registers still count.
type lineWatch struct {
	mu       sync.Mutex
	history  []string
	watchers map[*lineWatcher]struct{}
}

type lineWatcher struct {
	re  *regexp.Regexp
	hit chan struct{}
}

func newLineWatch() *lineWatch {
	return &lineWatch{watchers: map[*lineWatcher]struct{}{}}
}

func (w *lineWatch) feed(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.history) == historySize {
		copy(w.history, w.history[1:])
		w.history = w.history[:historySize-1]
	}
	w.history = append(w.history, line)
	for lw := range w.watchers {
		if lw.re.MatchString(line) {
			close(lw.hit)
			delete(w.watchers, lw)
		}
	}
}

// match returns a channel closed on the first line matching re, and a func
// that releases the watcher.
func (w *lineWatch) match(re *regexp.Regexp) (<-chan struct{}, func()) {
	lw := &lineWatcher{re: re, hit: make(chan struct{})}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range w.history {
		if re.MatchString(line) {
			close(lw.hit)
			return lw.hit, func() {}
		}
	}
	w.watchers[lw] = struct{}{}
	return lw.hit, func() {
		w.mu.Lock()
		delete(w.watchers, lw)
		w.mu.Unlock()
	}
}

func (w *lineWatch) tail(n int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > len(w.history) {
		n = len(w.history)
	}
	out := make([]string, n)
	copy(out, w.history[len(w.history)-n:])
	return out
}
