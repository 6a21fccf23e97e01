// Package logging wraps slog with failure-path deduplication so a degraded
// upstream does not turn into a log storm.
package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWindow    = 30 * time.Second
	defaultMaxRepeat = 5

	// Expired entries are swept once the map grows past this many distinct
	// (kind, message) pairs, keeping memory bounded under churning messages.
	sweepThreshold = 256
)

// Deduper suppresses repeated error records: an identical (kind, message)
// pair within the window is emitted at most maxRepeat times, then counted
// silently. The suppressed count is flushed on the first record of the next
// window.
type Deduper struct {
	logger    *slog.Logger
	window    time.Duration
	maxRepeat int
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]*dedupEntry
}

type dedupEntry struct {
	windowStart time.Time
	emitted     int
	suppressed  int
}

func NewDeduper(logger *slog.Logger) *Deduper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{
		logger:    logger,
		window:    defaultWindow,
		maxRepeat: defaultMaxRepeat,
		now:       time.Now,
		seen:      make(map[string]*dedupEntry),
	}
}

// SetWindow overrides the suppression window; only used by tests and config.
func (d *Deduper) SetWindow(window time.Duration, maxRepeat int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if window > 0 {
		d.window = window
	}
	if maxRepeat > 0 {
		d.maxRepeat = maxRepeat
	}
}

// Error logs one failure record, deduplicated on (kind, msg).
func (d *Deduper) Error(ctx context.Context, kind, msg string, attrs ...slog.Attr) {
	d.log(ctx, slog.LevelError, kind, msg, attrs...)
}

// Warn logs one warning record, deduplicated on (kind, msg).
func (d *Deduper) Warn(ctx context.Context, kind, msg string, attrs ...slog.Attr) {
	d.log(ctx, slog.LevelWarn, kind, msg, attrs...)
}

func (d *Deduper) log(ctx context.Context, level slog.Level, kind, msg string, attrs ...slog.Attr) {
	key := kind + "\x00" + msg
	now := d.now()

	d.mu.Lock()
	entry, ok := d.seen[key]
	if !ok || now.Sub(entry.windowStart) > d.window {
		flushed := 0
		if ok {
			flushed = entry.suppressed
		}
		entry = &dedupEntry{windowStart: now}
		d.seen[key] = entry
		if flushed > 0 {
			attrs = append(attrs, slog.Int("suppressed_repeats", flushed))
		}
	}
	entry.emitted++
	if len(d.seen) > sweepThreshold {
		d.evictExpiredLocked(now)
	}
	if entry.emitted > d.maxRepeat {
		entry.suppressed++
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	all := make([]slog.Attr, 0, len(attrs)+1)
	all = append(all, slog.String("fault_kind", kind))
	all = append(all, attrs...)
	d.logger.LogAttrs(ctx, level, msg, all...)
}

// evictExpiredLocked drops entries whose window passed. A stale suppressed
// count goes with its entry; the key's next record starts a fresh window.
func (d *Deduper) evictExpiredLocked(now time.Time) {
	for key, entry := range d.seen {
		if now.Sub(entry.windowStart) > d.window {
			delete(d.seen, key)
		}
	}
}
