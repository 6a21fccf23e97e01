package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestDeduper() (*Deduper, *bytes.Buffer, *time.Time) {
	var buf bytes.Buffer
	d := NewDeduper(slog.New(slog.NewJSONHandler(&buf, nil)))
	now := time.Unix(1700000000, 0)
	d.now = func() time.Time { return now }
	return d, &buf, &now
}

func countLines(buf *bytes.Buffer) int {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}

func TestDeduperSuppressesRepeats(t *testing.T) {
	d, buf, _ := newTestDeduper()
	d.SetWindow(30*time.Second, 3)

	for i := 0; i < 10; i++ {
		d.Error(context.Background(), "api", "chat upstream failed")
	}

	if got := countLines(buf); got != 3 {
		t.Fatalf("emitted %d records, want 3", got)
	}
}

func TestDeduperDistinctMessagesNotSuppressed(t *testing.T) {
	d, buf, _ := newTestDeduper()
	d.SetWindow(30*time.Second, 2)

	d.Error(context.Background(), "api", "chat upstream failed")
	d.Error(context.Background(), "api", "tts upstream failed")
	d.Error(context.Background(), "network", "chat upstream failed")

	if got := countLines(buf); got != 3 {
		t.Fatalf("emitted %d records, want 3 distinct", got)
	}
}

func TestDeduperNewWindowResetsAndFlushesCount(t *testing.T) {
	d, buf, now := newTestDeduper()
	d.SetWindow(30*time.Second, 1)

	for i := 0; i < 5; i++ {
		d.Error(context.Background(), "api", "stt upstream failed")
	}
	if got := countLines(buf); got != 1 {
		t.Fatalf("emitted %d records in first window, want 1", got)
	}

	*now = now.Add(time.Minute)
	d.Error(context.Background(), "api", "stt upstream failed")

	if got := countLines(buf); got != 2 {
		t.Fatalf("emitted %d records after window rollover, want 2", got)
	}
	if !strings.Contains(buf.String(), "suppressed_repeats") {
		t.Fatalf("expected suppressed_repeats attr in rollover record, got %s", buf.String())
	}
}

func TestDeduperEvictsExpiredEntries(t *testing.T) {
	d, _, now := newTestDeduper()
	d.SetWindow(30*time.Second, 1)

	for i := 0; i < sweepThreshold+10; i++ {
		d.Error(context.Background(), "api", "failure "+strconv.Itoa(i))
	}
	// All of the above age out; the next record sweeps them.
	*now = now.Add(time.Minute)
	d.Error(context.Background(), "api", "late failure")

	d.mu.Lock()
	size := len(d.seen)
	d.mu.Unlock()
	if size != 1 {
		t.Fatalf("seen map holds %d entries after sweep, want 1", size)
	}
}
