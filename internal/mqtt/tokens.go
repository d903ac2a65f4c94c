package mqtt

import (
	"sync"
	"time"
)

// DailyTokens counts model token usage for the current calendar day and
// feeds the tokens_today sensor. It implements the assistant's token
// observer and is safe for concurrent use.
type DailyTokens struct {
	loc *time.Location
	now func() time.Time

	mu       sync.Mutex
	date     string // 2006-01-02 in loc
	input    int64
	output   int64
	requests int64
}

// NewDailyTokens returns a counter that starts over at midnight in loc,
// or in [time.Local] when loc is nil.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.date = d.today()
	return d
}

// OnTokens adds the usage of one model call.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// Snapshot returns today's input tokens, output tokens and model calls.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.input, d.output, d.requests
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// rollover zeroes the counters once the date changed. Caller must hold
// d.mu.
func (d *DailyTokens) rollover() {
	if today := d.today(); today != d.date {
		d.date = today
		d.input, d.output, d.requests = 0, 0, 0
	}
}
