package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

var (
	// ErrNotFound is returned when a function or execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a function name or route is already taken.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition is returned when an execution status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// FunctionStore is the function registry.
type FunctionStore interface {
	CreateFunction(ctx context.Context, f *model.Function) error
	GetFunction(ctx context.Context, id int64) (*model.Function, error)
	ListFunctions(ctx context.Context) ([]*model.Function, error)
	UpdateFunction(ctx context.Context, f *model.Function) error
	DeleteFunction(ctx context.Context, id int64) error
}

// MetricStore persists execution metrics.
type MetricStore interface {
	AppendMetric(ctx context.Context, rec model.MetricRecord) error
	MetricSummaries(ctx context.Context) ([]model.MetricSummary, error)
}

// ExecutionStore persists execution history and output lines.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, functionID int64, limit int) ([]*model.Execution, error)
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	FinishExecution(ctx context.Context, e *model.Execution) error
	InsertLogLine(ctx context.Context, executionID string, seq int, line string) error
	GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error)
}

// Store is the full persistence layer.
type Store interface {
	FunctionStore
	MetricStore
	ExecutionStore
	Close() error
}
