package mqtt

import (
	"sync"
	"testing"
	"time"
)

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestTokens(t time.Time, loc *time.Location) (*DailyTokens, *clock) {
	c := &clock{t: t}
	d := NewDailyTokens(loc)
	d.now = c.now
	d.date = d.today()
	return d, c
}

func TestDailyTokens_Accumulates(t *testing.T) {
	d, _ := newTestTokens(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), time.UTC)

	if in, out, n := d.Snapshot(); in != 0 || out != 0 || n != 0 {
		t.Fatalf("fresh counter = (%d, %d, %d)", in, out, n)
	}

	// An exploration turn followed by a question.
	d.OnTokens(1800, 240)
	d.OnTokens(2100, 95)

	in, out, n := d.Snapshot()
	if in != 3900 || out != 335 || n != 2 {
		t.Errorf("Snapshot() = (%d, %d, %d), want (3900, 335, 2)", in, out, n)
	}
}

func TestDailyTokens_Rollover(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name      string
		start     time.Time
		next      time.Time
		wantReset bool
	}{
		{
			name:  "same day",
			start: time.Date(2026, 3, 10, 8, 0, 0, 0, madrid),
			next:  time.Date(2026, 3, 10, 23, 59, 0, 0, madrid),
		},
		{
			name:      "past local midnight",
			start:     time.Date(2026, 3, 10, 23, 30, 0, 0, madrid),
			next:      time.Date(2026, 3, 11, 0, 5, 0, 0, madrid),
			wantReset: true,
		},
		{
			name:      "same day of year, next year",
			start:     time.Date(2025, 3, 10, 12, 0, 0, 0, madrid),
			next:      time.Date(2026, 3, 10, 12, 0, 0, 0, madrid),
			wantReset: true,
		},
		{
			// 23:30 UTC is already tomorrow in Madrid.
			name:      "midnight is local, not UTC",
			start:     time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC),
			next:      time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC),
			wantReset: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, c := newTestTokens(tt.start, madrid)
			d.OnTokens(500, 600)

			c.set(tt.next)
			in, out, n := d.Snapshot()
			if tt.wantReset {
				if in != 0 || out != 0 || n != 0 {
					t.Errorf("after rollover = (%d, %d, %d), want zeros", in, out, n)
				}
			} else if in != 500 || out != 600 || n != 1 {
				t.Errorf("same day = (%d, %d, %d), want (500, 600, 1)", in, out, n)
			}
		})
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	d := NewDailyTokens(time.UTC)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.OnTokens(10, 3)
			d.Snapshot()
		}()
	}
	wg.Wait()

	in, out, n := d.Snapshot()
	if in != 500 || out != 150 || n != 50 {
		t.Errorf("Snapshot() = (%d, %d, %d), want (500, 150, 50)", in, out, n)
	}
}

func TestDailyTokens_NilLocation(t *testing.T) {
	if d := NewDailyTokens(nil); d.loc != time.Local {
		t.Errorf("loc = %v, want time.Local", d.loc)
	}
}
