package mqtt

import (
	"sync"
	"time"
)

// DailyTokens accumulates model token usage and finished runs for the
// current local day. Counters reset at local midnight. It is safe for
// concurrent use.
type DailyTokens struct {
	mu         sync.Mutex
	prompt     int64
	completion int64
	requests   int64
	runs       int64
	day        int // day-of-year the counters belong to
	loc        *time.Location
	now        func() time.Time
}

// NewDailyTokens creates an accumulator using loc for midnight
// detection. A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.now().In(loc).YearDay()
	return d
}

// AddUsage records one model response.
func (d *DailyTokens) AddUsage(promptTokens, completionTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.prompt += int64(promptTokens)
	d.completion += int64(completionTokens)
	d.requests++
}

// AddRun records one finished run.
func (d *DailyTokens) AddRun() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.runs++
}

// DailyTotals is a point-in-time copy of the counters.
type DailyTotals struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	Requests         int64 `json:"requests"`
	Runs             int64 `json:"runs"`
}

// Snapshot returns today's totals.
func (d *DailyTokens) Snapshot() DailyTotals {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return DailyTotals{
		PromptTokens:     d.prompt,
		CompletionTokens: d.completion,
		Requests:         d.requests,
		Runs:             d.runs,
	}
}

// rollover zeroes the counters when the local day changed. Must be
// called with d.mu held.
func (d *DailyTokens) rollover() {
	today := d.now().In(d.loc).YearDay()
	if today == d.day {
		return
	}
	d.prompt, d.completion, d.requests, d.runs = 0, 0, 0, 0
	d.day = today
}
