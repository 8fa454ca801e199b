package opt

import (
	"sync"
	"time"
)

// RunRecord is the outcome of one optimization run.
type RunRecord struct {
	Date       string    `json:"date"`
	At         time.Time `json:"at"`
	Outcome    string    `json:"outcome"`
	DurationMs int64     `json:"durationMs"`
	Summary    Summary   `json:"summary"`
}

// RunLog keeps the most recent runs per plan date in memory.
type RunLog struct {
	mu   sync.Mutex
	keep int
	runs map[string][]RunRecord
}

func NewRunLog(keep int) *RunLog {
	if keep <= 0 {
		keep = 20
	}
	return &RunLog{keep: keep, runs: map[string][]RunRecord{}}
}

func (l *RunLog) Record(r RunRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs := append(l.runs[r.Date], r)
	if len(rs) > l.keep {
		rs = rs[len(rs)-l.keep:]
	}
	l.runs[r.Date] = rs
}

// Runs returns the retained runs for date, oldest first.
func (l *RunLog) Runs(date string) []RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RunRecord(nil), l.runs[date]...)
}
