package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestFunction(name string) *model.Function {
	return &model.Function{
		Name:     name,
		Route:    "/" + name,
		Language: model.LanguagePython,
		Code:     "def handler(event, context):\n    return 1\n",
		TimeoutS: 5,
		Backend:  model.BackendStandard,
		IsActive: true,
	}
}

func TestCreateAndGetFunction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := makeTestFunction("add")

	if err := s.CreateFunction(ctx, f); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	if f.ID == 0 {
		t.Fatal("CreateFunction did not set ID")
	}

	got, err := s.GetFunction(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFunction: %v", err)
	}
	if got.Name != "add" || got.Route != "/add" {
		t.Errorf("got %q %q, want add /add", got.Name, got.Route)
	}
	if got.Language != model.LanguagePython {
		t.Errorf("Language = %q", got.Language)
	}
	if got.Backend != model.BackendStandard {
		t.Errorf("Backend = %q", got.Backend)
	}
	if got.Code != f.Code {
		t.Errorf("Code = %q, want %q", got.Code, f.Code)
	}
	if !got.IsActive {
		t.Error("IsActive = false")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestGetFunctionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetFunction(context.Background(), 404)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFunction error = %v, want ErrNotFound", err)
	}
}

func TestCreateFunctionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateFunction(ctx, makeTestFunction("dup")); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	sameName := makeTestFunction("dup")
	sameName.Route = "/other"
	if err := s.CreateFunction(ctx, sameName); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate name error = %v, want ErrConflict", err)
	}

	sameRoute := makeTestFunction("other")
	sameRoute.Route = "/dup"
	if err := s.CreateFunction(ctx, sameRoute); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate route error = %v, want ErrConflict", err)
	}
}

func TestListUpdateDeleteFunction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b := makeTestFunction("a"), makeTestFunction("b")
	for _, f := range []*model.Function{a, b} {
		if err := s.CreateFunction(ctx, f); err != nil {
			t.Fatalf("CreateFunction: %v", err)
		}
	}

	fns, err := s.ListFunctions(ctx)
	if err != nil {
		t.Fatalf("ListFunctions: %v", err)
	}
	if len(fns) != 2 || fns[0].Name != "a" || fns[1].Name != "b" {
		t.Fatalf("ListFunctions = %v", fns)
	}

	a.Backend = model.BackendSandboxed
	a.TimeoutS = 10
	if err := s.UpdateFunction(ctx, a); err != nil {
		t.Fatalf("UpdateFunction: %v", err)
	}
	got, _ := s.GetFunction(ctx, a.ID)
	if got.Backend != model.BackendSandboxed || got.TimeoutS != 10 {
		t.Errorf("updated function = %+v", got)
	}

	a.Route = "/b"
	if err := s.UpdateFunction(ctx, a); !errors.Is(err, ErrConflict) {
		t.Errorf("UpdateFunction route clash = %v, want ErrConflict", err)
	}

	missing := makeTestFunction("ghost")
	missing.ID = 999
	if err := s.UpdateFunction(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateFunction missing = %v, want ErrNotFound", err)
	}

	if err := s.DeleteFunction(ctx, b.ID); err != nil {
		t.Fatalf("DeleteFunction: %v", err)
	}
	if err := s.DeleteFunction(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteFunction = %v, want ErrNotFound", err)
	}
}

func TestLegacyBackendNamesAreNormalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO functions (name, route, language, code, timeout, virtualization_backend, is_active, created_at, updated_at)
		VALUES ('old', '/old', 'python', 'print(1)', 5, 'gvisor', 1, ?, ?)`, time.Now().UTC(), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	fns, err := s.ListFunctions(ctx)
	if err != nil {
		t.Fatalf("ListFunctions: %v", err)
	}
	if len(fns) != 1 || fns[0].Backend != model.BackendSandboxed {
		t.Errorf("legacy backend = %v, want sandboxed", fns)
	}
}

func TestAppendMetricAndSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	boom := "boom"

	records := []model.MetricRecord{
		{FunctionID: 1, Backend: model.BackendStandard, Success: true, Duration: 0.5, Timestamp: now},
		{FunctionID: 1, Backend: model.BackendStandard, Success: true, Duration: 1.5, Timestamp: now},
		{FunctionID: 1, Backend: model.BackendStandard, Success: false, Duration: 1.0, Error: &boom, Timestamp: now},
		{FunctionID: 1, Backend: model.BackendSandboxed, Success: true, Duration: 2.0, Timestamp: now},
		{FunctionID: 2, Backend: model.BackendUnknown, Success: false, Duration: 0, Error: &boom, Timestamp: now},
	}
	for _, r := range records {
		if err := s.AppendMetric(ctx, r); err != nil {
			t.Fatalf("AppendMetric: %v", err)
		}
	}

	sums, err := s.MetricSummaries(ctx)
	if err != nil {
		t.Fatalf("MetricSummaries: %v", err)
	}
	if len(sums) != 3 {
		t.Fatalf("got %d summaries, want 3: %+v", len(sums), sums)
	}

	// Ordered by function then backend: (1 sandboxed), (1 standard), (2 unknown).
	std := sums[1]
	if std.Backend != model.BackendStandard || std.TotalRuns != 3 || std.SuccessfulRuns != 2 || std.FailedRuns != 1 {
		t.Errorf("standard summary = %+v", std)
	}
	if std.MinTime != 0.5 || std.MaxTime != 1.5 || std.AvgTime != 1.0 {
		t.Errorf("standard times = %v/%v/%v", std.MinTime, std.MaxTime, std.AvgTime)
	}
	if sums[2].Backend != model.BackendUnknown || sums[2].FailedRuns != 1 {
		t.Errorf("unknown summary = %+v", sums[2])
	}

	var nullCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM execution_metrics WHERE error_message IS NULL").Scan(&nullCount); err != nil {
		t.Fatalf("count NULL errors: %v", err)
	}
	if nullCount != 3 {
		t.Errorf("rows with NULL error_message = %d, want 3", nullCount)
	}
}

func makeTestExecution(functionID int64) *model.Execution {
	return &model.Execution{
		ID:         model.NewID(),
		FunctionID: functionID,
		Status:     model.StatusPending,
		Backend:    model.BackendStandard,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution(1)

	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateExecutionStatus(ctx, e.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateExecutionStatus running: %v", err)
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusRunning || got.StartedAt == nil {
		t.Errorf("running execution = %+v", got)
	}

	exit, dur := 0, 120
	done := &model.Execution{
		ID:         e.ID,
		Status:     model.StatusSuccess,
		Backend:    model.BackendStandard,
		Stdout:     "{\"sum\": 3}\n",
		ExitCode:   &exit,
		ColdStart:  true,
		DurationMS: &dur,
	}
	if err := s.FinishExecution(ctx, done); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}

	got, err = s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusSuccess || got.Stdout != done.Stdout || !got.ColdStart {
		t.Errorf("finished execution = %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 120 {
		t.Errorf("DurationMS = %v, want 120", got.DurationMS)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timestamps not kept")
	}

	// Terminal states cannot transition.
	if err := s.UpdateExecutionStatus(ctx, e.ID, model.StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("success -> running = %v, want ErrInvalidTransition", err)
	}
}

func TestExecutionNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExecution = %v, want ErrNotFound", err)
	}
	if err := s.UpdateExecutionStatus(ctx, "missing", model.StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateExecutionStatus = %v, want ErrNotFound", err)
	}
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := makeTestExecution(7)
		e.CreatedAt = e.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}
	if err := s.CreateExecution(ctx, makeTestExecution(8)); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.ListExecutions(ctx, 7, 2)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d executions, want 2", len(got))
	}
	if !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Error("executions not ordered newest first")
	}
}

func TestInsertAndGetLogLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, line := range []string{"first", "second", "third"} {
		if err := s.InsertLogLine(ctx, "exec-1", i, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}
	if err := s.InsertLogLine(ctx, "exec-2", 0, "other"); err != nil {
		t.Fatalf("InsertLogLine: %v", err)
	}

	lines, err := s.GetLogLines(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 3 || lines[0].Line != "first" || lines[2].Seq != 2 {
		t.Errorf("lines = %+v", lines)
	}

	empty, err := s.GetLogLines(ctx, "none")
	if err != nil {
		t.Fatalf("GetLogLines empty: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("GetLogLines empty = %v, want empty non-nil slice", empty)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.CreateFunction(context.Background(), makeTestFunction("keep")); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	fns, err := s2.ListFunctions(context.Background())
	if err != nil {
		t.Fatalf("ListFunctions: %v", err)
	}
	if len(fns) != 1 {
		t.Errorf("functions after reopen = %d, want 1", len(fns))
	}
}
