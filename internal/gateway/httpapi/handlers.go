package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/engine"
	"github.com/jkaninda/ki2go/internal/ledger"
	"github.com/jkaninda/ki2go/internal/prompt"
	"github.com/jkaninda/okapi"
)

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error  string                   `json:"error"`
	Reason string                   `json:"reason,omitempty"`
	Fields []prompt.ValidationError `json:"fields,omitempty"`
}

// RunTaskRequest is the JSON body for POST /v1/tasks/{id}/run.
type RunTaskRequest struct {
	Variables   map[string]string `json:"variables"`
	DocumentIDs []string          `json:"document_ids,omitempty"`
}

// VariantResponse is returned after a variant was created.
type VariantResponse struct {
	ID          string `json:"id"`
	TemplateID  string `json:"template_id"`
	Scope       string `json:"scope"`
	BaseVersion int    `json:"base_version"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) allow(c *okapi.Context, userID string) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(userID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

func (g *Gateway) handleRunTask(c *okapi.Context) error {
	p := principal(c)
	if err := g.allow(c, p.UserID); err != nil {
		return err
	}

	var req RunTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	res, err := g.engine.RunTask(c.Context(), engine.RunRequest{
		TaskID:      c.Param("id"),
		UserID:      p.UserID,
		OrgID:       p.OrgID,
		Role:        p.Role,
		Variables:   req.Variables,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		if res != nil {
			// The caller went away; the run was recorded as cancelled.
			g.logger.Info("run finished after client disconnect",
				slog.String("process_id", res.ProcessID),
			)
			return nil
		}
		return g.writeError(c, err)
	}
	return c.OK(res)
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	p := principal(c)
	if err := g.allow(c, p.UserID); err != nil {
		return err
	}

	f, err := historyFilter(p, c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	page, err := g.engine.History(c.Context(), f)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(page)
}

func (g *Gateway) handleTemplates(c *okapi.Context) error {
	p := principal(c)
	if err := g.allow(c, p.UserID); err != nil {
		return err
	}
	list, err := g.engine.ListResolvable(c.Context(), p.UserID, p.OrgID)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(list)
}

func (g *Gateway) handleCreateVariant(c *okapi.Context) error {
	p := principal(c)
	if err := g.allow(c, p.UserID); err != nil {
		return err
	}

	var req engine.VariantRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if !mayManageVariant(p, req.OrgID, req.UserID) {
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "not allowed to manage variants in this scope"})
	}

	v, err := g.engine.CreateVariant(c.Context(), req)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, VariantResponse{
		ID:          v.ID.String(),
		TemplateID:  v.TemplateID,
		Scope:       string(v.Scope()),
		BaseVersion: v.BaseVersion,
	})
}

func (g *Gateway) handleDeactivateVariant(c *okapi.Context) error {
	p := principal(c)
	if err := g.allow(c, p.UserID); err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid variant ID")
	}

	// Scope is checked against the stored variant, not the request.
	v, err := g.engine.Variant(c.Context(), id)
	if err != nil {
		return g.writeError(c, err)
	}
	if !mayManageVariant(p, v.OrgID, v.UserID) {
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "not allowed to manage variants in this scope"})
	}
	ok, err := g.engine.DeactivateVariant(c.Context(), id)
	if err != nil {
		return g.writeError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "no active variant with this ID"})
	}
	return c.OK(map[string]string{"status": "deactivated"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// writeError maps engine errors to responses. Integrity and upstream detail
// is logged, never returned.
func (g *Gateway) writeError(c *okapi.Context, err error) error {
	code, body := errorResponse(err)
	if code >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			slog.String("path", c.Request().URL.Path),
			slog.Int("status", code),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(code, body)
}

func errorResponse(err error) (int, ErrorBody) {
	var (
		verrs  prompt.ValidationErrors
		denied *ledger.DeniedError
		ie     *domain.IntegrityError
	)
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity, ErrorBody{Error: verrs.UserMessage(), Fields: verrs}
	case errors.As(err, &denied):
		code := http.StatusForbidden
		if denied.Reason == ledger.CreditExhausted {
			code = http.StatusPaymentRequired
		}
		return code, ErrorBody{Error: denied.UserMessage(), Reason: string(denied.Reason)}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Error: domain.UserMessage(err)}
	case errors.Is(err, domain.ErrInvalidScope):
		return http.StatusBadRequest, ErrorBody{Error: domain.ErrInvalidScope.Error()}
	case errors.As(err, &ie) && ie.Op == "create variant":
		return http.StatusConflict, ErrorBody{Error: "an active variant already exists for this scope"}
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway, ErrorBody{Error: domain.GenericFailureMessage}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: domain.GenericFailureMessage}
	}
}

// historyFilter builds the record filter from query parameters. Members
// see their own records, admins their organization's, owners any.
func historyFilter(p domain.Principal, q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		Status: domain.ExecutionStatus(q.Get("status")),
	}
	switch f.Status {
	case "", domain.ExecutionPending, domain.ExecutionCompleted, domain.ExecutionFailed:
	default:
		return audit.Filter{}, fmt.Errorf("unknown status %q", f.Status)
	}

	switch p.Role {
	case domain.RoleOwner:
		f.OrgID = q.Get("org_id")
		f.UserID = q.Get("user_id")
	case domain.RoleAdmin:
		f.OrgID = p.OrgID
		f.UserID = q.Get("user_id")
		if p.OrgID == "" {
			f.UserID = p.UserID
		}
	default:
		f.OrgID = p.OrgID
		f.UserID = p.UserID
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return audit.Filter{}, fmt.Errorf("invalid from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return audit.Filter{}, fmt.Errorf("invalid to: %w", err)
	}
	if f.Page, err = parseInt(q.Get("page")); err != nil {
		return audit.Filter{}, fmt.Errorf("invalid page: %w", err)
	}
	if f.PageSize, err = parseInt(q.Get("page_size")); err != nil {
		return audit.Filter{}, fmt.Errorf("invalid page_size: %w", err)
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// mayManageVariant reports whether p may create or deactivate a variant in
// the given scope. Owners manage every scope; admins their own organization.
func mayManageVariant(p domain.Principal, orgID, userID string) bool {
	switch p.Role {
	case domain.RoleOwner:
		return true
	case domain.RoleAdmin:
		return p.OrgID != "" && orgID == p.OrgID
	default:
		// Members may only personalize for themselves.
		return p.OrgID != "" && orgID == p.OrgID && userID == p.UserID
	}
}
