package account

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nhalm/accessgate/store"
)

type brokenLookup struct{}

func (brokenLookup) GetClient(context.Context, string) (Client, error) {
	return Client{}, fmt.Errorf("%w: disk I/O error", store.ErrUnavailable)
}

func (brokenLookup) GetPlan(context.Context, string) (Plan, error) {
	return Plan{}, ErrNotFound
}

func TestLimitResolver(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	for _, p := range []Plan{
		{ID: "basic", Name: "Basic", RequestsPerMinute: 60, Active: true},
		{ID: "legacy", Name: "Legacy", RequestsPerMinute: 30, Active: false},
	} {
		if err := db.UpsertPlan(ctx, p); err != nil {
			t.Fatalf("UpsertPlan() error = %v", err)
		}
	}

	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	clients := []Client{
		{ID: "paying", PlanID: "basic", Active: true},
		{ID: "retired-plan", PlanID: "legacy", Active: true},
		{ID: "disabled", PlanID: "basic", Active: false},
		{ID: "trial", Active: true, TrialEndsAt: &future},
		{ID: "trial-over", Active: true, TrialEndsAt: &past},
		{ID: "no-trial", Active: true},
	}
	for _, c := range clients {
		if _, err := db.UpsertClient(ctx, c); err != nil {
			t.Fatalf("UpsertClient(%s) error = %v", c.ID, err)
		}
	}

	r := NewLimitResolver(db, 10, WithResolverClock(func() time.Time { return testNow }))

	tests := []struct {
		client    string
		wantLimit int64
		wantErr   error
	}{
		{"paying", 60, nil},
		{"unknown", 10, nil},
		{"trial", 10, nil},
		{"no-trial", 10, nil},
		{"retired-plan", 0, ErrPlanInactive},
		{"disabled", 0, ErrInactive},
		{"trial-over", 0, ErrTrialExpired},
	}
	for _, tt := range tests {
		t.Run(tt.client, func(t *testing.T) {
			got, err := r.ResolveLimit(ctx, tt.client)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ResolveLimit() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.wantLimit {
				t.Errorf("ResolveLimit() = %d, want %d", got, tt.wantLimit)
			}
		})
	}
}

func TestLimitResolver_Unavailable(t *testing.T) {
	r := NewLimitResolver(brokenLookup{}, 10)
	_, err := r.ResolveLimit(context.Background(), "acme")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("ResolveLimit() error = %v, want ErrUnavailable", err)
	}
}
