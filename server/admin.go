package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/accessgate"
	"github.com/nhalm/accessgate/account"
)

const maxTokenTTL = 24 * time.Hour

func (a *api) issueCredential(_ http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	cred, err := a.creds.Issue(r.Context(), clientID)
	if err != nil {
		a.fail(r, "issue credential", err)
		return
	}
	a.logger.Infow("credential issued", "client_id", clientID)
	accessgate.SetResponse(r, http.StatusCreated, cred)
}

type tokenQuery struct {
	TTLSeconds int `query:"ttl_seconds" validate:"gte=0,lte=86400"`
}

func (a *api) mintToken(_ http.ResponseWriter, r *http.Request) {
	if a.issuer == nil {
		accessgate.SetError(r, accessgate.ErrNotImplemented.With("Token issuance requires the jwt scheme"))
		return
	}
	var q tokenQuery
	if !accessgate.Query(r, &q) {
		return
	}

	ttl := a.cfg.Auth.TokenTTL.Std()
	if q.TTLSeconds > 0 {
		ttl = time.Duration(q.TTLSeconds) * time.Second
	}
	ttl = min(ttl, maxTokenTTL)

	clientID := chi.URLParam(r, "clientID")
	tok, err := a.issuer.Issue(clientID, ttl)
	if err != nil {
		a.fail(r, "mint token", err)
		return
	}
	a.logger.Infow("token minted", "client_id", clientID, "expires_at", tok.ExpiresAt)
	accessgate.SetResponse(r, http.StatusCreated, tok)
}

type clientRequest struct {
	Name        string     `json:"name" validate:"max=200"`
	Email       string     `json:"email" validate:"omitempty,email"`
	PlanID      string     `json:"plan_id" validate:"max=64"`
	Active      *bool      `json:"active"`
	TrialEndsAt *time.Time `json:"trial_ends_at"`
}

func (a *api) putClient(_ http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if !accessgate.JSON(r, &req) {
		return
	}

	c := account.Client{
		ID:          chi.URLParam(r, "clientID"),
		Name:        req.Name,
		Email:       req.Email,
		PlanID:      req.PlanID,
		Active:      req.Active == nil || *req.Active,
		TrialEndsAt: req.TrialEndsAt,
	}
	saved, err := a.accounts.UpsertClient(r.Context(), c)
	if errors.Is(err, account.ErrInvalid) {
		accessgate.SetError(r, accessgate.ErrBadRequest.With(err.Error()))
		return
	}
	if err != nil {
		a.fail(r, "upsert client", err)
		return
	}
	accessgate.SetResponse(r, http.StatusOK, saved)
}

func (a *api) getClient(_ http.ResponseWriter, r *http.Request) {
	c, err := a.accounts.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if errors.Is(err, account.ErrNotFound) {
		accessgate.SetError(r, accessgate.ErrNotFound.With("Client not found"))
		return
	}
	if err != nil {
		a.fail(r, "get client", err)
		return
	}
	accessgate.SetResponse(r, http.StatusOK, c)
}

type planRequest struct {
	ID                string `json:"id" validate:"required,max=64"`
	Name              string `json:"name" validate:"required,max=200"`
	PriceCents        int64  `json:"price_cents" validate:"gte=0"`
	Description       string `json:"description" validate:"max=1000"`
	RequestsPerMinute int64  `json:"requests_per_minute" validate:"gte=0"`
	Active            *bool  `json:"active"`
}

func (a *api) putPlan(_ http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !accessgate.JSON(r, &req) {
		return
	}

	p := account.Plan{
		ID:                req.ID,
		Name:              req.Name,
		PriceCents:        req.PriceCents,
		Description:       req.Description,
		RequestsPerMinute: req.RequestsPerMinute,
		Active:            req.Active == nil || *req.Active,
	}
	if err := a.accounts.UpsertPlan(r.Context(), p); err != nil {
		if errors.Is(err, account.ErrInvalid) {
			accessgate.SetError(r, accessgate.ErrBadRequest.With(err.Error()))
			return
		}
		a.fail(r, "upsert plan", err)
		return
	}
	accessgate.SetResponse(r, http.StatusOK, p)
}

type planQuery struct {
	Active bool `query:"active"`
}

func (a *api) listPlans(_ http.ResponseWriter, r *http.Request) {
	var q planQuery
	if !accessgate.Query(r, &q) {
		return
	}

	plans, err := a.accounts.ListPlans(r.Context(), q.Active)
	if err != nil {
		a.fail(r, "list plans", err)
		return
	}
	accessgate.SetResponse(r, http.StatusOK, map[string]any{"plans": plans})
}

type clientUsageQuery struct {
	ClientID string    `query:"client_id" validate:"required,clientid"`
	Since    time.Time `query:"since"`
}

func (a *api) clientUsage(_ http.ResponseWriter, r *http.Request) {
	var q clientUsageQuery
	if !accessgate.Query(r, &q) {
		return
	}

	since := q.Since
	if since.IsZero() {
		since = startOfMonth(a.now())
	}
	summary, err := a.accounts.UsageSince(r.Context(), q.ClientID, since)
	if err != nil {
		a.fail(r, "usage summary", err)
		return
	}
	accessgate.SetResponse(r, http.StatusOK, summary)
}

const (
	defaultRecordsLimit = 100
	maxRecordsLimit     = 1000
)

type usageRecordsQuery struct {
	ClientID string    `query:"client_id" validate:"required,clientid"`
	Since    time.Time `query:"since"`
	Limit    uint64    `query:"limit" validate:"lte=1000"`
}

// usageRecords lists the newest individual usage records for a client.
func (a *api) usageRecords(_ http.ResponseWriter, r *http.Request) {
	var q usageRecordsQuery
	if !accessgate.Query(r, &q) {
		return
	}

	since := q.Since
	if since.IsZero() {
		since = startOfMonth(a.now())
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultRecordsLimit
	}
	records, err := a.accounts.Records(r.Context(), q.ClientID, since, min(limit, maxRecordsLimit))
	if err != nil {
		a.fail(r, "usage records", err)
		return
	}
	if records == nil {
		records = []account.UsageRecord{}
	}
	accessgate.SetResponse(r, http.StatusOK, map[string]any{"records": records})
}

// resetLimit clears the client's current rate limit window.
func (a *api) resetLimit(_ http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if err := a.limiter.Reset(r.Context(), clientID); err != nil {
		a.fail(r, "reset limit", err)
		return
	}
	a.logger.Infow("rate limit reset", "client_id", clientID)
	accessgate.SetResponse(r, http.StatusNoContent, nil)
}
