package app

import (
	"sync"
	"time"
)

// DedupeFilter remembers fingerprints a connection has already sent so that
// client retries are dropped. It lives exactly as long as its connection.
//
// Capacity 0 keeps every fingerprint; otherwise the oldest are evicted first.
// A non-zero ttl additionally forgets fingerprints older than ttl.
type DedupeFilter struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	now  func() time.Time
	keys []dedupeKey
	seen map[string]time.Time
}

type dedupeKey struct {
	fp string
	at time.Time
}

func NewDedupeFilter(capacity int, ttl time.Duration) *DedupeFilter {
	if capacity < 0 {
		capacity = 0
	}
	return &DedupeFilter{
		cap:  capacity,
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

func (d *DedupeFilter) Seen(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire()
	_, ok := d.seen[fp]
	return ok
}

func (d *DedupeFilter) Remember(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire()
	d.remember(fp)
}

// SeenOrRemember reports whether fp was already known and records it if not.
func (d *DedupeFilter) SeenOrRemember(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire()
	if _, ok := d.seen[fp]; ok {
		return true
	}
	d.remember(fp)
	return false
}

func (d *DedupeFilter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *DedupeFilter) remember(fp string) {
	if _, ok := d.seen[fp]; ok {
		return
	}
	at := d.now()
	d.seen[fp] = at
	d.keys = append(d.keys, dedupeKey{fp: fp, at: at})
	if d.cap > 0 && len(d.keys) > d.cap {
		delete(d.seen, d.keys[0].fp)
		d.keys = d.keys[1:]
	}
}

func (d *DedupeFilter) expire() {
	if d.ttl <= 0 {
		return
	}
	cutoff := d.now().Add(-d.ttl)
	n := 0
	for n < len(d.keys) && !d.keys[n].at.After(cutoff) {
		delete(d.seen, d.keys[n].fp)
		n++
	}
	d.keys = d.keys[n:]
}
