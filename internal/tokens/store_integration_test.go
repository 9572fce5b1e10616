//go:build integration
// +build integration

package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porterhq/porter/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := NewStore(StoreConfig{Pool: db.Pool, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	return store
}

func TestStore_IssueAndFind_Integration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	guestID := uuid.New()
	rec, err := store.Issue(ctx, IssueParams{
		Kind:       KindRequest,
		ToolName:   "create_service_request",
		GuestID:    guestID,
		RoomNumber: "305",
		Payload:    json.RawMessage(`{"item":"towels"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.NotEmpty(t, rec.Token)
	assert.Equal(t, KindRequest, rec.Kind)
	assert.Equal(t, guestID, rec.GuestID)
	assert.Equal(t, "305", rec.RoomNumber)
	assert.False(t, rec.Resolved(), "a freshly issued token must be unresolved")
	assert.NotZero(t, rec.CreatedAt)

	found, err := store.FindByToken(ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)
	assert.Equal(t, StatusPending, found.Status())
	assert.JSONEq(t, `{"item":"towels"}`, string(found.Payload))
}

func TestStore_FindUnknownToken_Integration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindByToken(ctx, "abc-123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Resolve_Integration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Issue(ctx, IssueParams{Kind: KindBooking, ToolName: "create_booking"})
	require.NoError(t, err)

	refs := json.RawMessage(`{"booking_id":"BK-9001"}`)
	resolved, err := store.Resolve(ctx, rec.Token, refs)
	require.NoError(t, err)

	assert.True(t, resolved.Resolved())
	assert.Equal(t, StatusResolved, resolved.Status())
	assert.JSONEq(t, string(refs), string(resolved.RemoteRefs))
	assert.False(t, resolved.ResolvedAt.IsZero())

	// Resolving a token nobody issued is an error, not an upsert.
	_, err = store.Resolve(ctx, "never-issued", refs)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UnresolvedRecordSurvivesFailure_Integration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// The proxy issues the token, the remote call fails, nothing resolves.
	// The record must still be there to explain the attempt.
	rec, err := store.Issue(ctx, IssueParams{Kind: KindTicket, ToolName: "create_maintenance_ticket"})
	require.NoError(t, err)

	found, err := store.FindByToken(ctx, rec.Token)
	require.NoError(t, err)
	assert.False(t, found.Resolved())

	stale, err := store.ListUnresolvedBefore(ctx, time.Now().Add(time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, rec.Token, stale[0].Token)
}

func TestStore_ListForGuestStatusFilters_Integration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	guestID := uuid.New()
	otherGuest := uuid.New()

	var tokens []string
	for i := range 3 {
		rec, err := store.Issue(ctx, IssueParams{
			Kind:     KindRequest,
			ToolName: "create_service_request",
			GuestID:  guestID,
			Payload:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
		tokens = append(tokens, rec.Token)
	}
	_, err := store.Issue(ctx, IssueParams{Kind: KindRequest, ToolName: "create_service_request", GuestID: otherGuest})
	require.NoError(t, err)

	_, err = store.Resolve(ctx, tokens[0], json.RawMessage(`{"request_id":"R-1"}`))
	require.NoError(t, err)

	all, err := store.ListForGuest(ctx, guestID, StatusAny, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "other guests' records must not leak into the listing")

	pending, err := store.ListForGuest(ctx, guestID, StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	resolved, err := store.ListForGuest(ctx, guestID, StatusResolved, 0)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, tokens[0], resolved[0].Token)

	_, err = store.ListForGuest(ctx, guestID, Status("open"), 0)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestStore_ListForRoom_Integration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for range 2 {
		_, err := store.Issue(ctx, IssueParams{Kind: KindRequest, ToolName: "request_supplies", RoomNumber: "305"})
		require.NoError(t, err)
	}
	_, err := store.Issue(ctx, IssueParams{Kind: KindRequest, ToolName: "request_supplies", RoomNumber: "412"})
	require.NoError(t, err)

	recs, err := store.ListForRoom(ctx, "305", StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "305", rec.RoomNumber)
	}
}

// Identical business intent must still mean distinct tokens; duplicate
// suppression is the remote side's job, keyed on the tokens we hand it.
func TestStore_IdenticalIntentDistinctTokens_Integration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	params := IssueParams{
		Kind:       KindRequest,
		ToolName:   "create_service_request",
		RoomNumber: "101",
		Payload:    json.RawMessage(`{"item":"pillows","count":2}`),
	}

	first, err := store.Issue(ctx, params)
	require.NoError(t, err)
	second, err := store.Issue(ctx, params)
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStore_ConcurrentIssues_Integration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const (
		goroutines = 10
		perRoutine = 20
	)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	seen := make(map[string]struct{}, goroutines*perRoutine)
	errCh := make(chan error, goroutines*perRoutine)

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perRoutine {
				rec, err := store.Issue(ctx, IssueParams{Kind: KindTransaction, ToolName: "charge_room"})
				if err != nil {
					errCh <- err
					continue
				}
				mu.Lock()
				seen[rec.Token] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent Issue error: %v", err)
	}
	assert.Len(t, seen, goroutines*perRoutine, "every concurrent issue must yield a distinct token")
}
