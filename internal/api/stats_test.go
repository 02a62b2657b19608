package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

func TestMetricSummaryEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/metrics/summary", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body summaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Summaries == nil || len(body.Summaries) != 0 {
		t.Errorf("summaries = %v, want []", body.Summaries)
	}
}

func TestMetricSummaryPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()
	msg := "boom"
	recs := []model.MetricRecord{
		{FunctionID: 1, Backend: model.BackendStandard, Success: true, Duration: 0.2, Timestamp: now},
		{FunctionID: 1, Backend: model.BackendStandard, Success: false, Duration: 0.4, Error: &msg, Timestamp: now},
		{FunctionID: 1, Backend: model.BackendSandboxed, Success: true, Duration: 1.0, Timestamp: now},
	}
	for _, rec := range recs {
		if err := srv.store.AppendMetric(ctx, rec); err != nil {
			t.Fatalf("AppendMetric: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/metrics/summary", "")
	var body summaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Summaries) != 2 {
		t.Fatalf("summaries = %+v, want 2 groups", body.Summaries)
	}
	for _, s := range body.Summaries {
		switch s.Backend {
		case model.BackendStandard:
			if s.TotalRuns != 2 || s.SuccessfulRuns != 1 || s.FailedRuns != 1 || s.MinTime != 0.2 || s.MaxTime != 0.4 || s.AvgTime != 0.3 {
				t.Errorf("standard = %+v", s)
			}
		case model.BackendSandboxed:
			if s.TotalRuns != 1 || s.AvgTime != 1.0 {
				t.Errorf("sandboxed = %+v", s)
			}
		default:
			t.Errorf("unexpected backend %q", s.Backend)
		}
	}
}

func TestRecentMetrics(t *testing.T) {
	srv := newTestServer(t)
	for i := range 5 {
		srv.metrics.Emit(model.MetricRecord{FunctionID: int64(i%2 + 1), Backend: model.BackendStandard, Success: true, Duration: float64(i)})
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		query string
		want  int
	}{
		{"", 5},
		{"?function_id=1", 3},
		{"?function_id=2&limit=1", 1},
		{"?limit=0", 5},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := doJSON(t, http.MethodGet, ts.URL+"/v1/metrics/recent"+tt.query, "")
			var body recentResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.Records) != tt.want {
				t.Errorf("got %d records, want %d", len(body.Records), tt.want)
			}
		})
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/metrics/recent?function_id=x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad function_id status = %d, want 400", resp.StatusCode)
	}

	// Newest first.
	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/metrics/recent?limit=1", ts.URL), "")
	var body recentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Records) != 1 || body.Records[0].Duration != 4 {
		t.Errorf("newest = %+v", body.Records)
	}
}
