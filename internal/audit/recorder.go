// Package audit records one append-only ExecutionRecord per task run.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ki2go/internal/domain"
)

// ErrAlreadyClosed is returned when Close targets a record that already
// reached a terminal state.
var ErrAlreadyClosed = errors.New("execution record already closed")

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Outcome is the single terminal update applied by Close.
type Outcome struct {
	Status       domain.ExecutionStatus
	ErrorClass   domain.ErrorClass
	ErrorDetail  string
	InputTokens  int
	OutputTokens int
	CostMicros   int64
	Duration     time.Duration
	Truncated    bool
}

// Completed builds a successful outcome.
func Completed(in, out int, cost int64, d time.Duration, truncated bool) Outcome {
	return Outcome{
		Status:       domain.ExecutionCompleted,
		InputTokens:  in,
		OutputTokens: out,
		CostMicros:   cost,
		Duration:     d,
		Truncated:    truncated,
	}
}

// Failed builds a failed outcome.
func Failed(class domain.ErrorClass, detail string, d time.Duration) Outcome {
	return Outcome{Status: domain.ExecutionFailed, ErrorClass: class, ErrorDetail: detail, Duration: d}
}

// Filter selects records for History.
type Filter struct {
	OrgID    string
	UserID   string
	Status   domain.ExecutionStatus
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// Normalize applies paging defaults and bounds.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

// Page is one page of history, newest first.
type Page struct {
	Records  []domain.ExecutionRecord `json:"records"`
	Total    int64                    `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
}

// Store persists execution records. It has no delete method.
type Store interface {
	// NextSequence atomically increments and returns the counter for year.
	NextSequence(ctx context.Context, year int) (int64, error)
	// Insert stores a pending record. A duplicate process identifier must
	// be reported as *domain.IntegrityError.
	Insert(ctx context.Context, rec *domain.ExecutionRecord) error
	// Finish applies o only while the record is pending and reports
	// whether it did.
	Finish(ctx context.Context, id uuid.UUID, o Outcome, completedAt time.Time) (bool, error)
	Query(ctx context.Context, f Filter) ([]domain.ExecutionRecord, int64, error)
	GetByProcessID(ctx context.Context, processID string) (*domain.ExecutionRecord, error)
	// ListPending returns pending records created before cutoff, oldest first.
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExecutionRecord, error)
}

// FormatProcessID renders KI2GO-<year>-<5-digit sequence>.
func FormatProcessID(year int, seq int64) string {
	return fmt.Sprintf("KI2GO-%d-%05d", year, seq)
}

// Recorder opens and closes execution records.
type Recorder struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, now: time.Now, logger: logger}
}

// Caller identifies who started an execution and which reservation it holds.
type Caller struct {
	UserID        string
	OrgID         string
	ReservationID uuid.UUID
}

// Open assigns a process identifier and stores a pending record.
// Identifier collisions are never retried.
func (r *Recorder) Open(ctx context.Context, rt *domain.ResolvedTemplate, caller Caller, documentIDs []string) (*domain.ExecutionRecord, error) {
	now := r.now().UTC()
	seq, err := r.store.NextSequence(ctx, now.Year())
	if err != nil {
		return nil, fmt.Errorf("allocating process id: %w", err)
	}

	rec := &domain.ExecutionRecord{
		ID:            uuid.New(),
		ProcessID:     FormatProcessID(now.Year(), seq),
		OrgID:         caller.OrgID,
		UserID:        caller.UserID,
		ReservationID: caller.ReservationID,
		Status:        domain.ExecutionPending,
		DocumentIDs:   documentIDs,
		CreatedAt:     now,
	}
	if rt != nil {
		rec.TemplateID = rt.TemplateID
		rec.VariantID = rt.VariantID
		rec.Source = rt.Source
		rec.TemplateVersion = rt.Version
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		var ie *domain.IntegrityError
		if errors.As(err, &ie) {
			r.logger.ErrorContext(ctx, "process id collision",
				slog.String("process_id", rec.ProcessID),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		return nil, fmt.Errorf("inserting execution record: %w", err)
	}

	r.logger.InfoContext(ctx, "execution opened",
		slog.String("process_id", rec.ProcessID),
		slog.String("template_id", rec.TemplateID),
		slog.String("source", string(rec.Source)),
		slog.String("user_id", rec.UserID),
		slog.String("org_id", rec.OrgID),
	)
	return rec, nil
}

// Close moves rec from pending to its terminal state. It is the only
// write after Open.
func (r *Recorder) Close(ctx context.Context, rec *domain.ExecutionRecord, o Outcome) error {
	if o.Status != domain.ExecutionCompleted && o.Status != domain.ExecutionFailed {
		return fmt.Errorf("closing %s: invalid terminal status %q", rec.ProcessID, o.Status)
	}
	completedAt := r.now().UTC()
	ok, err := r.store.Finish(ctx, rec.ID, o, completedAt)
	if err != nil {
		return fmt.Errorf("closing %s: %w", rec.ProcessID, err)
	}
	if !ok {
		return fmt.Errorf("closing %s: %w", rec.ProcessID, ErrAlreadyClosed)
	}

	rec.Status = o.Status
	rec.ErrorClass = o.ErrorClass
	rec.ErrorDetail = o.ErrorDetail
	rec.InputTokens = o.InputTokens
	rec.OutputTokens = o.OutputTokens
	rec.CostMicros = o.CostMicros
	rec.Duration = o.Duration
	rec.Truncated = o.Truncated
	rec.CompletedAt = &completedAt

	level := slog.LevelInfo
	if o.Status == domain.ExecutionFailed {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "execution closed",
		slog.String("process_id", rec.ProcessID),
		slog.String("outcome", rec.Outcome()),
		slog.Int("input_tokens", o.InputTokens),
		slog.Int("output_tokens", o.OutputTokens),
		slog.Int64("cost_micros", o.CostMicros),
		slog.Duration("duration", o.Duration),
	)
	return nil
}

// History returns one page of records matching f, newest first.
func (r *Recorder) History(ctx context.Context, f Filter) (Page, error) {
	f = f.Normalize()
	recs, total, err := r.store.Query(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("querying execution history: %w", err)
	}
	return Page{Records: recs, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

// Get returns a single record by process identifier.
func (r *Recorder) Get(ctx context.Context, processID string) (*domain.ExecutionRecord, error) {
	return r.store.GetByProcessID(ctx, processID)
}

// Pending lists records still pending at cutoff.
func (r *Recorder) Pending(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExecutionRecord, error) {
	return r.store.ListPending(ctx, cutoff.UTC(), limit)
}
