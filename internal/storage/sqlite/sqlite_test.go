package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/ledger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "ki2go.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func testLedger(t *testing.T, s *Store, now *time.Time) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(s.Ledger(), ledger.Options{
		TrialCredits: 5,
		OwnerBypass:  true,
		Now:          func() time.Time { return *now },
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

// --- Ledger ---

func TestLedger_ConcurrentAuthorizeRespectsCeiling(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	l := testLedger(t, s, &now)
	ctx := context.Background()
	p := domain.Principal{UserID: "alice", OrgID: "acme", Role: domain.RoleMember}

	const workers = 20
	var granted, exhausted atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := l.Authorize(ctx, p)
			var denied *ledger.DeniedError
			switch {
			case err == nil:
				granted.Add(1)
			case errors.As(err, &denied) && denied.Reason == ledger.CreditExhausted:
				exhausted.Add(1)
			default:
				t.Errorf("Authorize: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 5 {
		t.Errorf("granted = %d, want 5", got)
	}
	if got := exhausted.Load(); got != workers-5 {
		t.Errorf("exhausted = %d, want %d", got, workers-5)
	}

	acct, err := l.Account(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Consumed != 5 {
		t.Errorf("consumed = %d, want 5", acct.Consumed)
	}
}

func TestLedger_CommitAndRelease(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	l := testLedger(t, s, &now)
	ctx := context.Background()
	p := domain.Principal{UserID: "bob", Role: domain.RoleMember}

	committed, err := l.Authorize(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	released, err := l.Authorize(ctx, p)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.Commit(ctx, committed, ledger.Usage{InputTokens: 1000, OutputTokens: 500, Model: "gpt-4o-mini"}, "KI2GO-2026-00001", "completed"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := l.Release(ctx, released); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Second release and commit-after-release are no-ops.
	if err := l.Release(ctx, released); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := l.Commit(ctx, released, ledger.Usage{}, "KI2GO-2026-00002", "completed"); !errors.Is(err, ledger.ErrUnknownReservation) {
		t.Errorf("commit after release = %v, want ErrUnknownReservation", err)
	}

	acct, err := l.Account(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Consumed != 1 {
		t.Errorf("consumed = %d, want 1", acct.Consumed)
	}

	totals, err := l.Totals(ctx, acct.ID, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if totals.Executions != 1 || totals.InputTokens != 1000 || totals.OutputTokens != 500 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestLedger_CycleRollover(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	l := testLedger(t, s, &now)
	ctx := context.Background()
	p := domain.Principal{UserID: "carol", OrgID: "globex", Role: domain.RoleMember}

	var march *ledger.Token
	for i := 0; i < 5; i++ {
		tok, err := l.Authorize(ctx, p)
		if err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
		march = tok
	}
	if _, err := l.Authorize(ctx, p); !errors.Is(err, domain.ErrDenied) {
		t.Fatalf("sixth authorize = %v, want denial", err)
	}

	now = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	if _, err := l.Authorize(ctx, p); err != nil {
		t.Fatalf("authorize after rollover: %v", err)
	}

	// A reservation from the previous cycle must not refund the new one.
	if err := l.Release(ctx, march); err != nil {
		t.Fatal(err)
	}

	acct, err := l.Account(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Consumed != 1 {
		t.Errorf("consumed = %d, want 1", acct.Consumed)
	}
	if want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !acct.CycleStart.Equal(want) {
		t.Errorf("cycle start = %v, want %v", acct.CycleStart, want)
	}
}

func TestLedger_InactiveSubscription(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	l := testLedger(t, s, &now)
	ctx := context.Background()
	member := domain.Principal{UserID: "dave", OrgID: "initech", Role: domain.RoleMember}

	acct, err := l.Account(ctx, member)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ledger().UpdatePlan(ctx, acct.ID, "pro", nil, domain.SubscriptionSuspended); err != nil {
		t.Fatal(err)
	}

	_, err = l.Authorize(ctx, member)
	var denied *ledger.DeniedError
	if !errors.As(err, &denied) || denied.Reason != ledger.SubscriptionInactive {
		t.Fatalf("Authorize = %v, want SubscriptionInactive", err)
	}

	owner := domain.Principal{UserID: "root", OrgID: "initech", Role: domain.RoleOwner}
	if _, err := l.Authorize(ctx, owner); err != nil {
		t.Errorf("owner should bypass: %v", err)
	}
}

// --- Execution records ---

func TestNextSequence_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const workers = 25
	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			v, err := s.Executions().NextSequence(ctx, 2026)
			if err != nil {
				t.Errorf("NextSequence: %v", err)
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	for v := int64(1); v <= workers; v++ {
		if !seen[v] {
			t.Errorf("sequence value %d never returned", v)
		}
	}

	// Each year has its own counter.
	v, err := s.Executions().NextSequence(ctx, 2027)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("first 2027 value = %d, want 1", v)
	}
}

func TestRecorder_OpenCloseHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := audit.NewRecorder(s.Executions(), nil)
	rt := &domain.ResolvedTemplate{TemplateID: "contract-review", Source: domain.SourceBase, Version: 2}

	var opened []*domain.ExecutionRecord
	for i := 0; i < 7; i++ {
		org := "acme"
		if i%2 == 1 {
			org = "globex"
		}
		r, err := rec.Open(ctx, rt, audit.Caller{UserID: fmt.Sprintf("u%d", i), OrgID: org, ReservationID: uuid.New()}, []string{"doc-1"})
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		opened = append(opened, r)
	}

	if err := rec.Close(ctx, opened[0], audit.Completed(1200, 300, 9000, 2*time.Second, true)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(ctx, opened[0], audit.Failed(domain.ErrorClassUpstream, "late", 0)); !errors.Is(err, audit.ErrAlreadyClosed) {
		t.Errorf("second Close = %v, want ErrAlreadyClosed", err)
	}

	got, err := rec.Get(ctx, opened[0].ProcessID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ExecutionCompleted || got.CostMicros != 9000 || !got.Truncated || got.Duration != 2*time.Second {
		t.Errorf("closed record = %+v", got)
	}
	if len(got.DocumentIDs) != 1 || got.DocumentIDs[0] != "doc-1" {
		t.Errorf("document ids = %v", got.DocumentIDs)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	page, err := rec.History(ctx, audit.Filter{OrgID: "acme", PageSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 4 || len(page.Records) != 3 {
		t.Fatalf("acme page 1: total=%d len=%d", page.Total, len(page.Records))
	}
	for i := 1; i < len(page.Records); i++ {
		if page.Records[i].CreatedAt.After(page.Records[i-1].CreatedAt) {
			t.Error("history not ordered newest first")
		}
	}
	page2, err := rec.History(ctx, audit.Filter{OrgID: "acme", PageSize: 3, Page: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Records) != 1 {
		t.Errorf("acme page 2 len = %d, want 1", len(page2.Records))
	}

	completed, err := rec.History(ctx, audit.Filter{Status: domain.ExecutionCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if completed.Total != 1 {
		t.Errorf("completed total = %d, want 1", completed.Total)
	}

	pending, err := rec.Pending(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 6 {
		t.Errorf("pending = %d, want 6", len(pending))
	}
}

func TestExecutionInsert_DuplicateProcessID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := &domain.ExecutionRecord{
		ID: uuid.New(), ProcessID: "KI2GO-2026-00001", TemplateID: "t", UserID: "u",
		Source: domain.SourceBase, Status: domain.ExecutionPending, CreatedAt: time.Now().UTC(),
	}
	if err := s.Executions().Insert(ctx, r); err != nil {
		t.Fatal(err)
	}
	dup := *r
	dup.ID = uuid.New()
	err := s.Executions().Insert(ctx, &dup)
	var ie *domain.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("duplicate insert = %v, want IntegrityError", err)
	}
}

// --- Templates ---

func baseTemplate(body string) *domain.BaseTemplate {
	return &domain.BaseTemplate{
		ID:     "contract-review",
		Title:  "Contract review",
		Body:   body,
		Status: domain.TemplateActive,
		Variables: []domain.VariableDeclaration{
			{Key: "PARTY", Label: "Party", Type: domain.VarText, Required: true},
		},
		Categories: []string{"legal"},
	}
}

func TestPublish_Versioning(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ts := s.Templates()

	res, err := ts.Publish(ctx, baseTemplate("Review for {{PARTY}}"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Version != 1 {
		t.Errorf("first publish = %+v", res)
	}

	res, err = ts.Publish(ctx, baseTemplate("Review for {{PARTY}}"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || res.Version != 1 {
		t.Errorf("identical publish = %+v, want unchanged v1", res)
	}

	res, err = ts.Publish(ctx, baseTemplate("Carefully review for {{PARTY}}"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Version != 2 {
		t.Errorf("changed publish = %+v, want v2", res)
	}

	got, err := ts.GetBase(ctx, "contract-review")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || len(got.Variables) != 1 || got.Categories[0] != "legal" {
		t.Errorf("stored base = %+v", got)
	}

	if _, err := ts.GetBase(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing base = %v, want ErrNotFound", err)
	}
}

func TestVariants_OneActivePerScope(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ts := s.Templates()
	if _, err := ts.Publish(ctx, baseTemplate("Review for {{PARTY}}")); err != nil {
		t.Fatal(err)
	}

	first := &domain.TemplateVariant{TemplateID: "contract-review", OrgID: "acme", Body: "Acme review for {{PARTY}}", BaseVersion: 1, Active: true}
	if err := ts.CreateVariant(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &domain.TemplateVariant{TemplateID: "contract-review", OrgID: "acme", Body: "Other", BaseVersion: 1, Active: true}
	if err := ts.CreateVariant(ctx, second); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("second active variant = %v, want integrity error", err)
	}

	// Inactive variants do not occupy the slot.
	inactive := &domain.TemplateVariant{TemplateID: "contract-review", OrgID: "acme", Body: "Draft", BaseVersion: 1}
	if err := ts.CreateVariant(ctx, inactive); err != nil {
		t.Fatalf("inactive variant: %v", err)
	}

	ok, err := ts.DeactivateVariant(ctx, first.ID)
	if err != nil || !ok {
		t.Fatalf("DeactivateVariant = %v, %v", ok, err)
	}
	second.ID = uuid.Nil
	if err := ts.CreateVariant(ctx, second); err != nil {
		t.Fatalf("variant after deactivation: %v", err)
	}

	c, err := ts.LoadCandidates(ctx, "contract-review", "acme", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Variants) != 1 || c.Variants[0].ID != second.ID {
		t.Errorf("candidates = %+v", c.Variants)
	}

	// Variants of another organization stay invisible.
	other, err := ts.LoadCandidates(ctx, "contract-review", "globex", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(other.Variants) != 0 {
		t.Errorf("globex sees %d variants", len(other.Variants))
	}

	if err := ts.IncrementUsage(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	v, err := ts.GetVariant(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.UsageCount != 1 || v.Variables != nil {
		t.Errorf("variant = %+v", v)
	}
}

// --- Documents ---

func TestDocuments(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ds := s.Documents()

	old := &domain.Document{ID: "doc-old", UserID: "u", Filename: "a.pdf", MimeType: "application/pdf", SizeBytes: 10, CreatedAt: time.Now().Add(-48 * time.Hour).UTC()}
	fresh := &domain.Document{ID: "doc-new", UserID: "u", Filename: "b.txt", MimeType: "text/plain", SizeBytes: 5, ExtractedText: "hello"}
	for _, d := range []*domain.Document{old, fresh} {
		if err := ds.Put(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ds.Get(ctx, []string{"doc-old", "doc-new", "doc-missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["doc-new"].ExtractedText != "hello" {
		t.Errorf("Get = %+v", got)
	}

	n, err := ds.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}
