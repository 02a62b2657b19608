package model

import "time"

// MetricRecord is one execution measurement. Records are write-once.
type MetricRecord struct {
	FunctionID int64     `json:"function_id"`
	Backend    Backend   `json:"backend"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timed_out"`
	Duration   float64   `json:"execution_time"`
	Error      *string   `json:"error_message"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMetricRecord builds a record from an execution result.
func NewMetricRecord(res ExecutionResult, at time.Time) MetricRecord {
	rec := MetricRecord{
		FunctionID: res.FunctionID,
		Backend:    res.Backend,
		Success:    res.Success(),
		TimedOut:   res.TimedOut,
		Duration:   res.Duration.Seconds(),
		Timestamp:  at.UTC(),
	}
	if rec.Backend == "" {
		rec.Backend = BackendUnknown
	}
	if !rec.Success {
		msg := res.Error
		if res.TimedOut {
			msg = "execution timed out"
		}
		rec.Error = &msg
	}
	return rec
}

// MetricSummary aggregates metrics for one (function, backend) pair.
type MetricSummary struct {
	FunctionID     int64   `json:"function_id"`
	Backend        Backend `json:"backend"`
	TotalRuns      int     `json:"total_runs"`
	SuccessfulRuns int     `json:"successful_runs"`
	FailedRuns     int     `json:"failed_runs"`
	MinTime        float64 `json:"min_time"`
	MaxTime        float64 `json:"max_time"`
	AvgTime        float64 `json:"avg_time"`
}
