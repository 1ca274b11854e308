// Package storagetest holds the behavioural suite every SessionStore
// implementation must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) ports.SessionStore

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const ttl = 24 * time.Hour

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ports.SessionStore)
	}{
		{"CreateNew", testCreateNew},
		{"CreateReplacesPendingIntent", testCreateReplaces},
		{"CreateRejectsTerminalSessions", testCreateRejectsTerminal},
		{"CompareAndComplete", testCompareAndComplete},
		{"CompareAndCompleteMisses", testCompareAndCompleteMisses},
		{"ConcurrentCompleteSingleWinner", testConcurrentComplete},
		{"Expiry", testExpiry},
		{"PurgeBefore", testPurge},
		{"Deliveries", testDeliveries},
		{"ClaimDelivery", testClaimDelivery},
		{"ConcurrentClaimSingleWinner", testConcurrentClaim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func intent(value float64, contentID string) *domain.IntentPayload {
	return &domain.IntentPayload{
		EventName:  domain.DefaultIntentEventName,
		EventTime:  base.Unix(),
		Value:      &value,
		Currency:   "BRL",
		ContentIDs: []string{contentID},
		Attribution: domain.Attribution{
			UTMSource:   "instagram",
			UTMCampaign: "spring",
		},
	}
}

func pending(id string, now time.Time, p *domain.IntentPayload) (*domain.CorrelationSession, *domain.EventLogEntry) {
	raw, _ := json.Marshal(p)
	return &domain.CorrelationSession{
			ID:             id,
			Status:         domain.SessionPending,
			IntentSnapshot: p,
			CreatedAt:      now,
			UpdatedAt:      now,
			ExpiresAt:      now.Add(ttl),
		}, &domain.EventLogEntry{
			EventID:    id + "-intent-" + now.Format(time.RFC3339Nano),
			SessionID:  id,
			Kind:       domain.EventKindIntent,
			IngestedAt: now,
			Payload:    raw,
		}
}

func create(t *testing.T, s ports.SessionStore, id string, now time.Time) *domain.CorrelationSession {
	t.Helper()
	session, entry := pending(id, now, intent(39.90, "X1"))
	_, err := s.CreateOrReplacePending(context.Background(), session, entry)
	require.NoError(t, err)
	return session
}

func completeParams(id string, revision int64, now time.Time, txn string) ports.CompleteParams {
	completion := &domain.CompletionPayload{EventName: domain.DefaultCompletionEventName, EventTime: now.Unix(), TransactionID: txn}
	raw, _ := json.Marshal(completion)
	return ports.CompleteParams{
		SessionID:        id,
		ExpectedRevision: revision,
		Now:              now,
		Completion:       completion,
		Merged: &domain.MergedRecord{
			EventID:       "evt-" + txn,
			EventName:     domain.DefaultCompletionEventName,
			SessionID:     id,
			TransactionID: txn,
			Value:         39.90,
			Currency:      "BRL",
			ContentIDs:    []string{"X1"},
			MergedAt:      now,
		},
		Entry: &domain.EventLogEntry{
			EventID:    id + "-completion-" + txn,
			SessionID:  id,
			Kind:       domain.EventKindCompletion,
			IngestedAt: now,
			Payload:    raw,
		},
	}
}

func testCreateNew(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	session, entry := pending("s1", base, intent(39.90, "X1"))

	replaced, err := s.CreateOrReplacePending(ctx, session, entry)
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, int64(1), session.Revision)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, got.Status)
	assert.True(t, got.ExpiresAt.Equal(base.Add(ttl)), "ExpiresAt = %v", got.ExpiresAt)
	assert.Nil(t, got.MergedRecord)
	assert.Nil(t, got.CompletionSnapshot)
	require.NotNil(t, got.IntentSnapshot)
	assert.Equal(t, 39.90, *got.IntentSnapshot.Value)
	assert.Equal(t, "instagram", got.IntentSnapshot.Attribution.UTMSource)

	events, err := s.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventKindIntent, events[0].Kind)
	assert.JSONEq(t, string(entry.Payload), string(events[0].Payload))

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func testCreateReplaces(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	create(t, s, "s1", base)

	later := base.Add(time.Minute)
	session, entry := pending("s1", later, intent(99.00, "X2"))
	replaced, err := s.CreateOrReplacePending(ctx, session, entry)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, int64(2), session.Revision)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 99.00, *got.IntentSnapshot.Value)
	assert.Equal(t, []string{"X2"}, got.IntentSnapshot.ContentIDs)
	assert.True(t, got.CreatedAt.Equal(base), "CreatedAt should be kept, got %v", got.CreatedAt)
	assert.True(t, got.ExpiresAt.Equal(later.Add(ttl)), "ExpiresAt should be refreshed, got %v", got.ExpiresAt)

	events, err := s.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Less(t, events[0].Seq, events[1].Seq)
}

func testCreateRejectsTerminal(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()

	done := create(t, s, "done", base)
	_, err := s.CompareAndComplete(ctx, completeParams("done", done.Revision, base.Add(time.Minute), "T1"))
	require.NoError(t, err)

	session, entry := pending("done", base.Add(2*time.Minute), intent(1, "X9"))
	_, err = s.CreateOrReplacePending(ctx, session, entry)
	assert.ErrorIs(t, err, ports.ErrAlreadyCompleted)

	create(t, s, "stale", base)
	session, entry = pending("stale", base.Add(ttl+time.Second), intent(1, "X9"))
	_, err = s.CreateOrReplacePending(ctx, session, entry)
	assert.ErrorIs(t, err, ports.ErrExpired)

	events, err := s.ListEvents(ctx, "stale")
	require.NoError(t, err)
	assert.Len(t, events, 1, "rejected intents must not be logged")
}

func testCompareAndComplete(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	session := create(t, s, "s1", base)
	now := base.Add(50 * time.Second)

	got, err := s.CompareAndComplete(ctx, completeParams("s1", session.Revision, now, "T1"))
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.Status)
	require.NotNil(t, got.MergedRecord)
	assert.Equal(t, "T1", got.MergedRecord.TransactionID)
	assert.Equal(t, "evt-T1", got.MergedRecord.EventID)
	require.NotNil(t, got.CompletionSnapshot)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now))

	events, err := s.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventKindIntent, events[0].Kind)
	assert.Equal(t, domain.EventKindCompletion, events[1].Kind)
}

func testCompareAndCompleteMisses(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()

	_, err := s.CompareAndComplete(ctx, completeParams("unknown", 1, base, "T0"))
	assert.ErrorIs(t, err, ports.ErrNotFound)

	s1 := create(t, s, "s1", base)
	_, err = s.CompareAndComplete(ctx, completeParams("s1", s1.Revision+5, base.Add(time.Second), "T1"))
	assert.ErrorIs(t, err, ports.ErrRevisionChanged)

	_, err = s.CompareAndComplete(ctx, completeParams("s1", s1.Revision, base.Add(time.Second), "T1"))
	require.NoError(t, err)
	_, err = s.CompareAndComplete(ctx, completeParams("s1", s1.Revision, base.Add(2*time.Second), "T1-dup"))
	assert.ErrorIs(t, err, ports.ErrAlreadyCompleted)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.MergedRecord.TransactionID)

	s2 := create(t, s, "s2", base)
	_, err = s.CompareAndComplete(ctx, completeParams("s2", s2.Revision, base.Add(ttl), "T2"))
	assert.ErrorIs(t, err, ports.ErrExpired, "a session at its expiry instant is no longer completable")

	got, err = s.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, got.MergedRecord)
}

func testConcurrentComplete(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	session := create(t, s, "race", base)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn := "T" + string(rune('A'+i))
			_, err := s.CompareAndComplete(ctx, completeParams("race", session.Revision, base.Add(time.Minute), txn))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, ports.ErrAlreadyCompleted):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)

	events, err := s.ListEvents(ctx, "race")
	require.NoError(t, err)
	assert.Len(t, events, 2, "exactly one completion entry is logged")
}

func testExpiry(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	create(t, s, "old", base)
	create(t, s, "fresh", base.Add(time.Hour))
	done := create(t, s, "done", base)
	_, err := s.CompareAndComplete(ctx, completeParams("done", done.Revision, base.Add(time.Minute), "T1"))
	require.NoError(t, err)

	sweepAt := base.Add(ttl + time.Minute)

	flipped, err := s.MarkExpired(ctx, "fresh", sweepAt)
	require.NoError(t, err)
	assert.False(t, flipped, "fresh session is not past expiry")

	n, err := s.ExpirePending(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := s.GetSession(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, old.Status)

	doneNow, err := s.GetSession(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, doneNow.Status, "completed sessions never expire")

	n, err = s.ExpirePending(ctx, sweepAt)
	require.NoError(t, err)
	assert.Zero(t, n, "sweep is idempotent")

	flipped, err = s.MarkExpired(ctx, "fresh", base.Add(time.Hour+ttl))
	require.NoError(t, err)
	assert.True(t, flipped)

	_, err = s.MarkExpired(ctx, "missing", sweepAt)
	assert.ErrorIs(t, err, ports.ErrNotFound)

	_, err = s.CompareAndComplete(ctx, completeParams("old", old.Revision, sweepAt, "T2"))
	assert.ErrorIs(t, err, ports.ErrExpired)
}

func testPurge(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	done := create(t, s, "done", base)
	_, err := s.CompareAndComplete(ctx, completeParams("done", done.Revision, base.Add(time.Minute), "T1"))
	require.NoError(t, err)
	require.NoError(t, s.RecordDelivery(ctx, &domain.DeliveryRecord{
		SessionID: "done", EventID: "evt-T1", Status: domain.DeliveryDelivered, Attempts: 1, UpdatedAt: base,
	}))
	create(t, s, "keep", base.Add(48*time.Hour))

	n, err := s.PurgeBefore(ctx, base.Add(ttl+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, "done")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	_, err = s.GetDelivery(ctx, "done")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	events, err := s.ListEvents(ctx, "done")
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = s.GetSession(ctx, "keep")
	assert.NoError(t, err)
}

func testDeliveries(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	create(t, s, "s1", base)

	_, err := s.GetDelivery(ctx, "s1")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	failed := &domain.DeliveryRecord{
		SessionID: "s1",
		EventID:   "evt-1",
		Status:    domain.DeliveryFailed,
		Attempts:  3,
		Classification: &domain.ErrorClassification{
			Kind: domain.KindRateLimit, Retryable: true, Message: "too many calls", Code: 4,
		},
		UpdatedAt: base,
	}
	require.NoError(t, s.RecordDelivery(ctx, failed))

	got, err := s.GetDelivery(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.Classification)
	assert.Equal(t, domain.KindRateLimit, got.Classification.Kind)

	require.NoError(t, s.RecordDelivery(ctx, &domain.DeliveryRecord{
		SessionID: "s1", EventID: "evt-1", Status: domain.DeliveryDelivered, Attempts: 1, UpdatedAt: base.Add(time.Hour),
	}))
	got, err = s.GetDelivery(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, got.Status)
	assert.Nil(t, got.Classification)

	err = s.RecordDelivery(ctx, &domain.DeliveryRecord{SessionID: "ghost", Status: domain.DeliveryFailed, UpdatedAt: base})
	assert.ErrorIs(t, err, ports.ErrNotFound)

	session, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, session.Status, "delivery records never touch session state")
}

func queued(id string, at time.Time) *domain.DeliveryRecord {
	return &domain.DeliveryRecord{SessionID: id, EventID: "evt-" + id, Status: domain.DeliveryQueued, UpdatedAt: at}
}

func testClaimDelivery(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	create(t, s, "s1", base)
	stale := base.Add(-time.Minute)

	ok, err := s.ClaimDelivery(ctx, queued("s1", base), stale)
	require.NoError(t, err)
	assert.True(t, ok, "no prior delivery")

	ok, err = s.ClaimDelivery(ctx, queued("s1", base.Add(time.Second)), stale)
	require.NoError(t, err)
	assert.False(t, ok, "fresh queued delivery is in flight")

	ok, err = s.ClaimDelivery(ctx, queued("s1", base.Add(2*time.Minute)), base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "queued delivery older than the cutoff is abandoned")

	got, err := s.GetDelivery(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueued, got.Status)
	assert.True(t, got.UpdatedAt.Equal(base.Add(2*time.Minute)))

	require.NoError(t, s.RecordDelivery(ctx, &domain.DeliveryRecord{
		SessionID: "s1", EventID: "evt-s1", Status: domain.DeliveryFailed, Attempts: 3,
		Classification: &domain.ErrorClassification{Kind: domain.KindTransient, Retryable: true},
		UpdatedAt:      base.Add(3 * time.Minute),
	}))
	ok, err = s.ClaimDelivery(ctx, queued("s1", base.Add(4*time.Minute)), stale)
	require.NoError(t, err)
	assert.True(t, ok, "failed delivery may be retried")

	got, err = s.GetDelivery(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.Classification)

	require.NoError(t, s.RecordDelivery(ctx, &domain.DeliveryRecord{
		SessionID: "s1", EventID: "evt-s1", Status: domain.DeliveryDelivered, Attempts: 1,
		UpdatedAt: base.Add(5 * time.Minute),
	}))
	ok, err = s.ClaimDelivery(ctx, queued("s1", base.Add(time.Hour)), base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "delivered is final")

	_, err = s.ClaimDelivery(ctx, queued("ghost", base), stale)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func testConcurrentClaim(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	create(t, s, "race", base)
	require.NoError(t, s.RecordDelivery(ctx, &domain.DeliveryRecord{
		SessionID: "race", EventID: "evt-race", Status: domain.DeliveryFailed, Attempts: 3, UpdatedAt: base,
	}))

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimDelivery(ctx, queued("race", base.Add(time.Minute)), base)
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claims)
}
