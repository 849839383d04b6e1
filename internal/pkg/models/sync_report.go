package models

import "time"

type TableSyncResult struct {
	Table      string `json:"table"`
	Success    bool   `json:"success"`
	Records    int64  `json:"records"`
	Skipped    int64  `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// SyncReport describes one bulk sync run over all tables.
type SyncReport struct {
	RunID      string            `json:"runId"`
	Trigger    string            `json:"trigger"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Tables     []TableSyncResult `json:"tables"`
}

func (r SyncReport) SyncedTables() []string {
	out := make([]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		if t.Success {
			out = append(out, t.Table)
		}
	}
	return out
}

func (r SyncReport) FailedTables() []string {
	out := make([]string, 0)
	for _, t := range r.Tables {
		if !t.Success {
			out = append(out, t.Table)
		}
	}
	return out
}

func (r SyncReport) Records() map[string]int64 {
	out := make(map[string]int64, len(r.Tables))
	for _, t := range r.Tables {
		out[t.Table] = t.Records
	}
	return out
}
