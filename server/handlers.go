package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nhalm/accessgate"
	"github.com/nhalm/accessgate/account"
	"github.com/nhalm/accessgate/authn"
	"github.com/nhalm/accessgate/config"
	"github.com/nhalm/accessgate/credential"
	"github.com/nhalm/accessgate/limiter"
	"github.com/nhalm/accessgate/store"
)

type api struct {
	cfg      *config.Config
	store    store.Store
	creds    *credential.Store
	scheme   authn.Scheme
	issuer   *authn.Issuer
	limiter  *limiter.Limiter
	limits   accessgate.LimitResolver
	accounts Accounts
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// fail maps a collaborator error to a response. Backing store outages are
// 503; anything else is an unexpected 500.
func (a *api) fail(r *http.Request, op string, err error) {
	logger := a.logger
	if id, ok := accessgate.RequestIDFromContext(r.Context()); ok {
		logger = logger.With("request_id", id)
	}
	if errors.Is(err, store.ErrUnavailable) {
		logger.Warnw("backing store unavailable", "op", op, "error", err)
		accessgate.SetError(r, accessgate.ErrBackingStoreUnavailable)
		return
	}
	logger.Errorw("request failed", "op", op, "error", err)
	accessgate.SetError(r, accessgate.ErrInternal)
}

func (a *api) healthz(_ http.ResponseWriter, r *http.Request) {
	accessgate.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) readyz(_ http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.fail(r, "ping store", err)
		return
	}
	if a.accounts != nil {
		if err := a.accounts.Ping(ctx); err != nil {
			a.fail(r, "ping accounts", err)
			return
		}
	}
	accessgate.SetResponse(r, http.StatusOK, map[string]string{"status": "ready"})
}

type validateRequest struct {
	ClientID string `json:"client_id" validate:"required,clientid"`
	Secret   string `json:"secret" validate:"required"`
}

// validateCredential lets a client check a secret without spending quota.
func (a *api) validateCredential(_ http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !accessgate.JSON(r, &req) {
		return
	}

	ok, err := a.creds.Validate(r.Context(), req.ClientID, req.Secret)
	if err != nil {
		a.fail(r, "validate credential", err)
		return
	}
	accessgate.SetResponse(r, http.StatusOK, map[string]bool{"valid": ok})
}

// rotateCredential replaces the caller's secret. The secret used for this
// request stops working immediately.
func (a *api) rotateCredential(_ http.ResponseWriter, r *http.Request) {
	if a.scheme != authn.SchemeBearer {
		accessgate.SetError(r, accessgate.ErrNotImplemented.With("Credential rotation requires the bearer scheme"))
		return
	}
	clientID, _ := accessgate.ClientIDFromContext(r.Context())

	cred, err := a.creds.Issue(r.Context(), clientID)
	if err != nil {
		a.fail(r, "rotate credential", err)
		return
	}
	a.logger.Infow("credential rotated", "client_id", clientID)
	accessgate.SetResponse(r, http.StatusOK, cred)
}

type usageQuery struct {
	Since time.Time `query:"since"`
}

type usageResponse struct {
	ClientID      string                `json:"client_id"`
	Plan          *account.Plan         `json:"plan,omitempty"`
	Limit         int64                 `json:"limit"`
	Remaining     int64                 `json:"remaining"`
	Reset         int64                 `json:"reset"`
	WindowSeconds int64                 `json:"window_seconds"`
	Usage         *account.UsageSummary `json:"usage,omitempty"`
}

// usage reports the caller's plan, current window and metered usage since
// the start of the month (or ?since=).
func (a *api) usage(_ http.ResponseWriter, r *http.Request) {
	var q usageQuery
	if !accessgate.Query(r, &q) {
		return
	}
	ctx := r.Context()
	clientID, _ := accessgate.ClientIDFromContext(ctx)

	limit, err := a.limits.ResolveLimit(ctx, clientID)
	if err != nil {
		a.fail(r, "resolve limit", err)
		return
	}
	window, err := a.limiter.Peek(ctx, clientID, limit)
	if err != nil {
		a.fail(r, "peek window", err)
		return
	}

	resp := usageResponse{
		ClientID:      clientID,
		Limit:         window.Limit,
		Remaining:     window.Remaining,
		Reset:         window.Reset.Unix(),
		WindowSeconds: int64(a.limiter.Window() / time.Second),
	}

	if a.accounts != nil {
		if c, err := a.accounts.GetClient(ctx, clientID); err == nil && c.PlanID != "" {
			if p, err := a.accounts.GetPlan(ctx, c.PlanID); err == nil {
				resp.Plan = &p
			}
		}

		since := q.Since
		if since.IsZero() {
			since = startOfMonth(a.now())
		}
		summary, err := a.accounts.UsageSince(ctx, clientID, since)
		if err != nil {
			a.fail(r, "usage summary", err)
			return
		}
		resp.Usage = &summary
	}

	accessgate.SetResponse(r, http.StatusOK, resp)
}

func (a *api) serviceStatus(service string) http.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request) {
		clientID, _ := accessgate.ClientIDFromContext(r.Context())
		accessgate.SetResponse(r, http.StatusOK, map[string]string{
			"service":   service,
			"status":    "ok",
			"client_id": clientID,
		})
	}
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
