package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/ledger"
	"github.com/jkaninda/ki2go/internal/llm"
	"github.com/jkaninda/ki2go/internal/observability"
	"github.com/jkaninda/ki2go/internal/prompt"
)

// DocumentsKey is the placeholder that receives the text of attached
// documents not bound to a file variable.
const DocumentsKey = "DOCUMENTS"

// RunRequest is one task execution request.
type RunRequest struct {
	TaskID      string            `json:"task_id"`
	UserID      string            `json:"user_id"`
	OrgID       string            `json:"org_id,omitempty"`
	Role        domain.Role       `json:"role,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	DocumentIDs []string          `json:"document_ids,omitempty"`
}

// RunResult is what the caller gets back from a run that reached the model.
type RunResult struct {
	ProcessID  string                 `json:"process_id"`
	Status     domain.ExecutionStatus `json:"status"`
	Outcome    string                 `json:"outcome"`
	ResultText string                 `json:"result_text,omitempty"`
	CostMicros int64                  `json:"cost_micros"`
	Truncated  bool                   `json:"truncated,omitempty"`
}

// RunTask executes one task for the calling principal.
//
// Errors before the model call are returned as is (*prompt.NotFoundError,
// prompt.ValidationErrors, *ledger.DeniedError) and never consume a credit.
// A failed model call returns *UpstreamError. When ctx is cancelled during
// the model call the call still finishes, its cost is committed, and the
// result is returned together with ctx.Err().
func (e *Engine) RunTask(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "engine.run_task",
		attribute.String("task.id", req.TaskID),
		attribute.String("org.id", req.OrgID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if verrs := checkRequest(req, e.cfg.VariableLimit()); len(verrs) > 0 {
		return nil, verrs
	}

	p := domain.Principal{UserID: req.UserID, OrgID: req.OrgID, Role: req.Role}
	tok, err := e.ledger.Authorize(ctx, p)
	if err != nil {
		e.metrics.RecordLedgerDecision(decisionLabel(err))
		return nil, err
	}
	if tok.Bypass {
		e.metrics.RecordLedgerDecision("bypass")
	} else {
		e.metrics.RecordLedgerDecision("granted")
	}

	// Writes after this point must survive caller cancellation.
	bg := context.WithoutCancel(ctx)

	rt, err := e.resolver.Resolve(ctx, req.TaskID, req.UserID, req.OrgID)
	if err != nil {
		e.release(bg, tok)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("template.source", string(rt.Source)),
		attribute.Int("template.version", rt.Version),
	)

	docIDs := documentRefs(rt, req)
	docs, err := e.loadDocuments(ctx, docIDs)
	if err != nil {
		e.release(bg, tok)
		return nil, fmt.Errorf("loading documents: %w", err)
	}
	docs = visibleTo(docs, p)

	rec, err := e.recorder.Open(ctx, rt, audit.Caller{
		UserID:        req.UserID,
		OrgID:         req.OrgID,
		ReservationID: tok.ReservationID,
	}, docIDs)
	if err != nil {
		e.release(bg, tok)
		return nil, fmt.Errorf("opening execution record: %w", err)
	}
	span.SetAttributes(attribute.String("process.id", rec.ProcessID))

	bound, verrs := prompt.Validate(rt.Variables, req.Variables, docs)
	verrs = append(verrs, checkAttachments(rt, req.DocumentIDs, docIDs, docs)...)
	if len(verrs) > 0 {
		e.abort(bg, tok, rec, domain.ErrorClassValidation, verrs, start)
		return nil, verrs
	}

	asm := prompt.Assemble(rt.Body, bound.Values, documentText(rt.Variables, bound, req.DocumentIDs, docs), e.cfg.DocumentChars())
	truncated := len(asm.Truncated) > 0
	if truncated {
		e.logger.InfoContext(ctx, "document text truncated",
			slog.String("process_id", rec.ProcessID),
			slog.String("keys", strings.Join(asm.Truncated, ",")),
			slog.Int("max_chars", e.cfg.DocumentChars()),
		)
	}

	comp, attempts, err := e.invoke(ctx, rec.ProcessID, asm.Prompt)
	if err != nil {
		ue := &UpstreamError{ProcessID: rec.ProcessID, Provider: e.invoker.Name(), Attempts: attempts, Err: err}
		e.abort(bg, tok, rec, domain.ErrorClassUpstream, ue, start)
		return nil, ue
	}

	cancelled := ctx.Err() != nil
	label := string(domain.ExecutionCompleted)
	if cancelled {
		label = string(domain.ExecutionFailed) + ":" + string(domain.ErrorClassCancelled)
	}

	cost, err := e.ledger.Commit(bg, tok, ledger.Usage{
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		Model:        comp.Model,
	}, rec.ProcessID, label)
	duration := e.now().Sub(start)
	if err != nil {
		e.logger.ErrorContext(bg, "committing execution cost",
			slog.String("process_id", rec.ProcessID),
			slog.Any("error", err),
		)
		e.closeRecord(bg, rec, audit.Failed(domain.ErrorClassInternal, err.Error(), duration))
		e.metrics.RecordExecution(string(rt.Source), rec.Outcome(), duration, truncated)
		return nil, fmt.Errorf("committing cost for %s: %w", rec.ProcessID, err)
	}

	outcome := audit.Completed(comp.InputTokens, comp.OutputTokens, cost, duration, truncated)
	if cancelled {
		outcome.Status = domain.ExecutionFailed
		outcome.ErrorClass = domain.ErrorClassCancelled
		outcome.ErrorDetail = "caller went away before the result was delivered"
	}
	e.closeRecord(bg, rec, outcome)

	if !cancelled && rt.VariantID != nil {
		if err := e.templates.IncrementUsage(bg, *rt.VariantID); err != nil {
			e.logger.WarnContext(bg, "incrementing variant usage",
				slog.String("variant_id", rt.VariantID.String()),
				slog.Any("error", err),
			)
		}
	}

	e.metrics.RecordExecution(string(rt.Source), rec.Outcome(), duration, truncated)
	e.metrics.RecordCost(string(rt.Source), cost)
	e.anomaly.RecordSpend(tok.AccountID.String(), cost)

	res = &RunResult{
		ProcessID:  rec.ProcessID,
		Status:     outcome.Status,
		Outcome:    rec.Outcome(),
		ResultText: comp.Text,
		CostMicros: cost,
		Truncated:  truncated,
	}
	if cancelled {
		return res, ctx.Err()
	}
	return res, nil
}

// checkRequest rejects malformed requests before any credit is reserved.
func checkRequest(req RunRequest, variableLimit int) prompt.ValidationErrors {
	var verrs prompt.ValidationErrors
	if strings.TrimSpace(req.TaskID) == "" {
		verrs = append(verrs, prompt.ValidationError{Code: prompt.MissingRequired, Key: "task_id"})
	}
	if strings.TrimSpace(req.UserID) == "" {
		verrs = append(verrs, prompt.ValidationError{Code: prompt.MissingRequired, Key: "user_id"})
	}
	if len(req.Variables) > variableLimit {
		verrs = append(verrs, prompt.ValidationError{
			Code:   prompt.TooManyVariables,
			Key:    "variables",
			Detail: fmt.Sprintf("at most %d variables may be supplied", variableLimit),
		})
	}
	return verrs
}

func decisionLabel(err error) string {
	var de *ledger.DeniedError
	if errors.As(err, &de) {
		return string(de.Reason)
	}
	return "error"
}

// invoke calls the model on a context detached from the caller, with a
// timeout per attempt. Only retryable failures are retried.
func (e *Engine) invoke(ctx context.Context, processID, text string) (*llm.Completion, int, error) {
	detached := context.WithoutCancel(ctx)
	attempts := 1 + e.cfg.Retries()

	var lastErr error
	for i := 1; i <= attempts; i++ {
		callCtx, cancel := context.WithTimeout(detached, e.cfg.LLMTimeout())
		comp, err := e.invoker.Invoke(callCtx, text)
		cancel()
		if err == nil && comp == nil {
			err = errors.New("empty completion")
		}
		if err == nil {
			return comp, i, nil
		}
		lastErr = err
		if !llm.Retryable(err) || i == attempts {
			return nil, i, lastErr
		}
		e.logger.WarnContext(ctx, "model call failed, retrying",
			slog.String("process_id", processID),
			slog.Int("attempt", i),
			slog.Any("error", err),
		)
	}
	return nil, attempts, lastErr
}

// release gives the credit back. Failures are logged; the reaper does not
// cover reservations without a record, so they are logged at error level.
func (e *Engine) release(ctx context.Context, tok *ledger.Token) {
	if err := e.ledger.Release(ctx, tok); err != nil {
		e.logger.ErrorContext(ctx, "releasing reservation",
			slog.String("reservation_id", tok.ReservationID.String()),
			slog.Any("error", err),
		)
	}
}

// abort releases the reservation and closes rec as failed.
func (e *Engine) abort(ctx context.Context, tok *ledger.Token, rec *domain.ExecutionRecord, class domain.ErrorClass, cause error, start time.Time) {
	e.release(ctx, tok)
	d := e.now().Sub(start)
	e.closeRecord(ctx, rec, audit.Failed(class, cause.Error(), d))
	e.metrics.RecordExecution(string(rec.Source), string(domain.ExecutionFailed)+":"+string(class), d, false)
}

func (e *Engine) closeRecord(ctx context.Context, rec *domain.ExecutionRecord, o audit.Outcome) {
	err := e.recorder.Close(ctx, rec, o)
	switch {
	case err == nil:
	case errors.Is(err, audit.ErrAlreadyClosed):
		e.logger.WarnContext(ctx, "execution record closed by another writer",
			slog.String("process_id", rec.ProcessID),
		)
	default:
		e.logger.ErrorContext(ctx, "closing execution record",
			slog.String("process_id", rec.ProcessID),
			slog.Any("error", err),
		)
	}
}

// documentRefs lists every document a request touches: attachments first,
// then the values of file variables, without duplicates.
func documentRefs(rt *domain.ResolvedTemplate, req RunRequest) []string {
	var ids []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	for _, id := range req.DocumentIDs {
		add(id)
	}
	for _, decl := range rt.Variables {
		if decl.Type.IsDocument() {
			add(req.Variables[decl.Key])
		}
	}
	return ids
}

// loadDocuments fetches documents concurrently, bounded by the configured
// limit. Unknown identifiers are simply absent from the result.
func (e *Engine) loadDocuments(ctx context.Context, ids []string) (map[string]domain.Document, error) {
	out := make(map[string]domain.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.DocumentConcurrency())
	for _, id := range ids {
		g.Go(func() error {
			got, err := e.documents.Get(gctx, []string{id})
			if err != nil {
				return fmt.Errorf("document %s: %w", id, err)
			}
			mu.Lock()
			maps.Copy(out, got)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// visibleTo drops documents the principal may not use: organization
// documents of other organizations and personal documents of other users.
func visibleTo(docs map[string]domain.Document, p domain.Principal) map[string]domain.Document {
	maps.DeleteFunc(docs, func(_ string, d domain.Document) bool {
		if d.OrgID != "" {
			return d.OrgID != p.OrgID
		}
		return d.UserID != p.UserID
	})
	return docs
}

// checkAttachments reports attachments that do not exist and enforces the
// template's document limits over every referenced document.
func checkAttachments(rt *domain.ResolvedTemplate, attached, refs []string, docs map[string]domain.Document) prompt.ValidationErrors {
	var verrs prompt.ValidationErrors
	for _, id := range attached {
		if _, ok := docs[strings.TrimSpace(id)]; !ok {
			verrs = append(verrs, prompt.ValidationError{
				Code:   prompt.FileConstraintViolation,
				Key:    "documents",
				Detail: fmt.Sprintf("document %s not found", id),
			})
		}
	}
	var found []domain.Document
	for _, id := range refs {
		if d, ok := docs[id]; ok {
			found = append(found, d)
		}
	}
	return append(verrs, prompt.CheckDocuments(rt, found)...)
}

// documentText maps file variables to their document text. Attachments
// not bound to a variable are joined under DocumentsKey.
func documentText(schema []domain.VariableDeclaration, bound prompt.BoundVariables, attached []string, docs map[string]domain.Document) map[string]string {
	text := make(map[string]string, len(bound.Documents)+1)
	boundIDs := make(map[string]bool, len(bound.Documents))
	for key, d := range bound.Documents {
		text[key] = d.ExtractedText
		boundIDs[d.ID] = true
	}
	declared := slices.ContainsFunc(schema, func(d domain.VariableDeclaration) bool { return d.Key == DocumentsKey })
	if declared {
		return text
	}

	var parts []string
	seen := map[string]bool{}
	for _, id := range attached {
		id = strings.TrimSpace(id)
		d, ok := docs[id]
		if !ok || boundIDs[id] || seen[id] {
			continue
		}
		seen[id] = true
		parts = append(parts, d.ExtractedText)
	}
	if len(parts) > 0 {
		text[DocumentsKey] = strings.Join(parts, "\n\n")
	}
	return text
}
