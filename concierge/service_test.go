package concierge_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectif/connect-ledger/concierge"
	"github.com/collectif/connect-ledger/events"
	"github.com/collectif/connect-ledger/ledger"
	"github.com/collectif/connect-ledger/ledger/ledgertest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	env     *ledgertest.Env
	svc     *concierge.Service
	events  *events.Recorder
	request ledger.ServiceRequest
}

// newFixture creates member m-1 with an open request and concierge c-1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := ledgertest.New(t)
	env.Member(t, "m-1")
	env.Concierge(t, "c-1")

	rec := &events.Recorder{}
	svc := concierge.NewService(env.Ledger, 50, rec, env.Logger)

	req, err := svc.Submit(context.Background(), "m-1", "Réservation restaurant")
	require.NoError(t, err)

	return &fixture{env: env, svc: svc, events: rec, request: req}
}

func (f *fixture) status(t *testing.T) ledger.RequestStatus {
	t.Helper()
	req, err := f.env.Store.GetServiceRequest(context.Background(), f.request.ID)
	require.NoError(t, err)
	return req.Status
}

// =============================================================================
// COMPLETE
// =============================================================================

func TestComplete_AwardsPointsOnce(t *testing.T) {
	// GIVEN: A new request by m-1 with balance 0
	// WHEN: Concierge c-1 completes it
	// THEN: Status completed, balance 50, one service_reward entry

	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Complete(ctx, f.request.ID, "c-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyCompleted)
	assert.Equal(t, int64(50), res.Balance)
	assert.Contains(t, res.Message(), "50")

	req, err := f.env.Store.GetServiceRequest(ctx, f.request.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, req.Status)
	assert.Equal(t, ledger.AccountID("c-1"), req.ValidatedBy)
	require.NotNil(t, req.CompletedAt)

	entries := f.env.Entries(t, "m-1")
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindServiceReward, entries[0].Kind)
	assert.Equal(t, int64(50), entries[0].Delta)
	assert.Equal(t, string(f.request.ID), entries[0].RelatedID)
	assert.Equal(t, concierge.AwardKey(f.request.ID), entries[0].IdempotencyKey)
	assert.Equal(t, "Récompense pour la demande: Réservation restaurant", entries[0].Description)
	f.env.RequireBalanced(t, "m-1")

	assert.Len(t, f.events.OfType(events.TypeServiceRequestCompleted), 1)
	assert.Len(t, f.events.OfType(events.TypeEntryPosted), 1)
}

func TestComplete_Twice_IsNoOp(t *testing.T) {
	// GIVEN: A request already completed
	// WHEN: Completing it again
	// THEN: Success without a second award

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, f.request.ID, "c-1")
	require.NoError(t, err)

	res, err := f.svc.Complete(ctx, f.request.ID, "c-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyCompleted)
	assert.Nil(t, res.Entry)
	assert.Equal(t, int64(50), f.env.Balance(t, "m-1"))
	assert.Len(t, f.env.Entries(t, "m-1"), 1)
	assert.Len(t, f.events.OfType(events.TypeServiceRequestCompleted), 1)
}

func TestComplete_ConcurrentCalls_AwardOnce(t *testing.T) {
	// GIVEN: One open request
	// WHEN: Two concierges complete it at the same time
	// THEN: Exactly one award is posted

	f := newFixture(t)
	f.env.Concierge(t, "c-2")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]concierge.Result, 2)
	errs := make([]error, 2)
	for i, actor := range []ledger.AccountID{"c-1", "c-2"} {
		wg.Add(1)
		go func(i int, actor ledger.AccountID) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Complete(ctx, f.request.ID, actor)
		}(i, actor)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[0].AlreadyCompleted != results[1].AlreadyCompleted)
	assert.Equal(t, int64(50), f.env.Balance(t, "m-1"))
	assert.Len(t, f.env.Entries(t, "m-1"), 1)
}

func TestComplete_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		actor ledger.AccountID
		kind  ledger.Kind
	}{
		{"no identity", "", ledger.KindUnauthenticated},
		{"identity without account", "ghost", ledger.KindPermissionDenied},
		{"member", "m-1", ledger.KindPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Complete(ctx, f.request.ID, tt.actor)
			assert.Equal(t, tt.kind, ledger.KindOf(err))
		})
	}

	assert.Equal(t, ledger.StatusNew, f.status(t))
	assert.Equal(t, int64(0), f.env.Balance(t, "m-1"))
}

func TestComplete_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, "", "c-1")
	assert.Equal(t, ledger.KindInvalidArgument, ledger.KindOf(err))

	_, err = f.svc.Complete(ctx, "missing", "c-1")
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}

func TestComplete_MemberAccountMissing_NotFound(t *testing.T) {
	f := newFixture(t)
	f.env.Store.SeedServiceRequest(ledger.ServiceRequest{
		ID: "orphan", MemberID: "deleted-member", Status: ledger.StatusNew,
	})

	_, err := f.svc.Complete(context.Background(), "orphan", "c-1")
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}

func TestComplete_FailureLeavesNothingBehind(t *testing.T) {
	// GIVEN: The store fails while appending the entry
	// WHEN: Completing the request
	// THEN: Internal error, request still new, balance still 0; a retry succeeds

	f := newFixture(t)
	ctx := context.Background()

	f.env.Store.InjectFault(func(op string) error {
		if op == "append_entry" {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := f.svc.Complete(ctx, f.request.ID, "c-1")
	assert.Equal(t, ledger.KindInternal, ledger.KindOf(err))
	assert.Equal(t, "an internal error occurred", ledger.MessageOf(err))
	assert.Equal(t, ledger.StatusNew, f.status(t))
	assert.Equal(t, int64(0), f.env.Balance(t, "m-1"))
	assert.Empty(t, f.env.Entries(t, "m-1"))
	assert.Empty(t, f.events.Events())

	f.env.Store.InjectFault(nil)
	_, err = f.svc.Complete(ctx, f.request.ID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), f.env.Balance(t, "m-1"))
}

// =============================================================================
// SUBMIT / START / LISTINGS
// =============================================================================

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "", "Taxi")
	assert.Equal(t, ledger.KindUnauthenticated, ledger.KindOf(err))

	_, err = f.svc.Submit(ctx, "m-1", "   ")
	assert.Equal(t, ledger.KindInvalidArgument, ledger.KindOf(err))

	assert.Equal(t, ledger.StatusNew, f.request.Status)
	assert.Equal(t, ledger.AccountID("m-1"), f.request.MemberID)
	assert.False(t, f.request.CreatedAt.IsZero())
}

func TestStart_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.request.ID, "m-1")
	assert.Equal(t, ledger.KindPermissionDenied, ledger.KindOf(err))

	req, err := f.svc.Start(ctx, f.request.ID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInProgress, req.Status)

	// Idempotent
	req, err = f.svc.Start(ctx, f.request.ID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInProgress, req.Status)

	_, err = f.svc.Complete(ctx, f.request.ID, "c-1")
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, f.request.ID, "c-1")
	assert.Equal(t, ledger.KindFailedPrecondition, ledger.KindOf(err))
}

func TestListOpenAndMine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.env.Member(t, "m-2")

	other, err := f.svc.Submit(ctx, "m-2", "Pressing")
	require.NoError(t, err)

	open, err := f.svc.ListOpen(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	_, err = f.svc.ListOpen(ctx, "m-1")
	assert.Equal(t, ledger.KindPermissionDenied, ledger.KindOf(err))

	_, err = f.svc.Complete(ctx, other.ID, "c-1")
	require.NoError(t, err)

	open, err = f.svc.ListOpen(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, f.request.ID, open[0].ID)

	mine, err := f.svc.ListMine(ctx, "m-2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ledger.StatusCompleted, mine[0].Status)
}
