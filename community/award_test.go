package community_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectif/connect-ledger/community"
	"github.com/collectif/connect-ledger/events"
	"github.com/collectif/connect-ledger/ledger"
	"github.com/collectif/connect-ledger/ledger/ledgertest"
)

func TestAwardPost_ReplayIsNoOp(t *testing.T) {
	// GIVEN: A member and a new forum post
	// WHEN: The post-created event is delivered twice
	// THEN: The author is credited once

	env := ledgertest.New(t)
	env.Member(t, "m-1")
	rec := &events.Recorder{}
	svc := community.NewService(env.Ledger, 10, rec, env.Logger)
	ctx := context.Background()
	ev := community.PostEvent{PostID: "post-1", AuthorID: "m-1", Title: "Bonnes adresses"}

	out, err := svc.AwardPost(ctx, ev)
	require.NoError(t, err)
	assert.False(t, out.AlreadyAwarded)
	assert.Equal(t, int64(10), out.Balance)

	out, err = svc.AwardPost(ctx, ev)
	require.NoError(t, err)
	assert.True(t, out.AlreadyAwarded)

	entries := env.Entries(t, "m-1")
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindForumPostReward, entries[0].Kind)
	assert.Equal(t, community.AwardKey("post-1"), entries[0].IdempotencyKey)
	assert.Equal(t, "post-1", entries[0].RelatedID)
	assert.Len(t, rec.OfType(events.TypeEntryPosted), 1)
	env.RequireBalanced(t, "m-1")
}

func TestAwardPost_ConcurrentDelivery(t *testing.T) {
	env := ledgertest.New(t)
	env.Member(t, "m-1")
	svc := community.NewService(env.Ledger, 10, nil, env.Logger)
	ev := community.PostEvent{PostID: "post-1", AuthorID: "m-1"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AwardPost(context.Background(), ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), env.Balance(t, "m-1"))
	assert.Len(t, env.Entries(t, "m-1"), 1)
}

func TestAwardPost_Disabled(t *testing.T) {
	env := ledgertest.New(t)
	env.Member(t, "m-1")
	svc := community.NewService(env.Ledger, 0, nil, env.Logger)

	out, err := svc.AwardPost(context.Background(), community.PostEvent{PostID: "p", AuthorID: "m-1"})
	require.NoError(t, err)
	assert.True(t, out.Disabled)
	assert.Empty(t, env.Entries(t, "m-1"))
}

func TestAwardPost_Validation(t *testing.T) {
	env := ledgertest.New(t)
	svc := community.NewService(env.Ledger, 10, nil, env.Logger)
	ctx := context.Background()

	_, err := svc.AwardPost(ctx, community.PostEvent{AuthorID: "m-1"})
	assert.Equal(t, ledger.KindInvalidArgument, ledger.KindOf(err))

	_, err = svc.AwardPost(ctx, community.PostEvent{PostID: "p"})
	assert.Equal(t, ledger.KindInvalidArgument, ledger.KindOf(err))

	_, err = svc.AwardPost(ctx, community.PostEvent{PostID: "p", AuthorID: "ghost"})
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}
