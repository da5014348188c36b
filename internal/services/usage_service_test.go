package services

import (
	"context"
	"errors"
	"oriel-api/internal/config"
	"oriel-api/internal/models"
	apperrors "oriel-api/internal/pkg/errors"
	"oriel-api/internal/repository"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

type fakeBackend struct {
	mu      sync.Mutex
	records map[string]*models.UsageRecord
	fail    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]*models.UsageRecord)}
}

func (b *fakeBackend) Get(ctx context.Context, identity string) (*models.UsageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return nil, errBackendDown
	}
	record, ok := b.records[identity]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return record.Clone(), nil
}

func (b *fakeBackend) Put(ctx context.Context, record *models.UsageRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return errBackendDown
	}
	b.records[record.Identity] = record.Clone()
	return nil
}

func (b *fakeBackend) CheckAndIncrement(ctx context.Context, identity string, def config.PlanDefinition, now time.Time) (*models.UsageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return nil, errBackendDown
	}

	record, ok := b.records[identity]
	if !ok {
		record = models.NewUsageRecord(identity, now)
	} else {
		record = record.Clone()
	}

	record.ApplyRollover(now)
	if def.Exceeded(record.DailyCount, record.MonthlyCount, record.TotalCount) {
		return nil, apperrors.ErrQuotaExceeded
	}

	record.DailyCount++
	record.MonthlyCount++
	record.TotalCount++
	b.records[identity] = record.Clone()
	return record, nil
}

func (b *fakeBackend) seed(record *models.UsageRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[record.Identity] = record.Clone()
}

type fakeEvents struct {
	mu     sync.Mutex
	events []models.ConsumptionEvent
	fail   bool
}

func (e *fakeEvents) Append(ctx context.Context, event *models.ConsumptionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fail {
		return errBackendDown
	}
	e.events = append(e.events, *event)
	return nil
}

func (e *fakeEvents) ListByIdentity(ctx context.Context, identity string, from, to time.Time) ([]models.ConsumptionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.ConsumptionEvent
	for _, event := range e.events {
		if event.Identity == identity {
			out = append(out, event)
		}
	}
	return out, nil
}

func (e *fakeEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

type trackerFixture struct {
	svc     *usageService
	backend *fakeBackend
	events  *fakeEvents
	now     time.Time
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	f := &trackerFixture{
		backend: newFakeBackend(),
		events:  &fakeEvents{},
		now:     time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewUsageService(
		config.NewPlanCatalog(),
		repository.NewMemoryUsageStore(),
		f.backend,
		f.events,
		nil,
		0,
	).(*usageService)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func TestFreePlanTotalLimit(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := AnonymousIdentity(uuid.NewString())

	for i := 1; i <= 3; i++ {
		record, err := f.svc.RecordConsumption(ctx, identity, models.FreePlan, models.FormatMP4)
		require.NoError(t, err)
		assert.Equal(t, i, record.TotalCount)
	}

	decision, err := f.svc.CheckLimit(ctx, identity, models.FreePlan)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonTotalExceeded, decision.Reason)
	require.NotNil(t, decision.Remaining.Total)
	assert.Equal(t, 0, *decision.Remaining.Total)

	_, err = f.svc.RecordConsumption(ctx, identity, models.FreePlan, models.FormatMP4)
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
}

func TestDeniedConsumptionIsSideEffectFree(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := AnonymousIdentity(uuid.NewString())

	for i := 0; i < 3; i++ {
		_, err := f.svc.RecordConsumption(ctx, identity, models.FreePlan, models.FormatGIF)
		require.NoError(t, err)
	}
	eventsBefore := f.events.count()

	before, err := f.svc.local.Get(ctx, identity)
	require.NoError(t, err)

	_, err = f.svc.RecordConsumption(ctx, identity, models.FreePlan, models.FormatGIF)
	require.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	after, err := f.svc.local.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, before.DailyCount, after.DailyCount)
	assert.Equal(t, before.MonthlyCount, after.MonthlyCount)
	assert.Equal(t, before.TotalCount, after.TotalCount)
	assert.Equal(t, eventsBefore, f.events.count())
}

func TestMonotonicCounts(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	const n = 5
	for i := 0; i < n; i++ {
		_, err := f.svc.RecordConsumption(ctx, identity, models.StarterPlan, models.FormatWEBM)
		require.NoError(t, err)
	}

	record, err := f.backend.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, n, record.TotalCount)
	assert.Equal(t, n, record.DailyCount)
	assert.Equal(t, n, record.MonthlyCount)
	assert.Equal(t, n, f.events.count())
}

func TestStarterDailyLimitBeforeMonthly(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	for i := 0; i < 50; i++ {
		_, err := f.svc.RecordConsumption(ctx, identity, models.StarterPlan, models.FormatMP4)
		require.NoError(t, err)
	}

	decision, err := f.svc.CheckLimit(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonDailyExceeded, decision.Reason)
	require.NotNil(t, decision.Remaining.Monthly)
	assert.Equal(t, 950, *decision.Remaining.Monthly)
}

func TestDailyRolloverRestoresAllowance(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	yesterday := f.now.AddDate(0, 0, -1)
	f.backend.seed(&models.UsageRecord{
		Identity:       identity,
		DailyCount:     50,
		MonthlyCount:   50,
		TotalCount:     50,
		DailyResetAt:   models.StartOfDay(yesterday),
		MonthlyResetAt: models.StartOfMonth(f.now),
	})

	decision, err := f.svc.CheckLimit(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.NotNil(t, decision.Remaining.Daily)
	assert.Equal(t, 50, *decision.Remaining.Daily)

	// The pure read must not have persisted the reset.
	stored, err := f.backend.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.DailyCount)
}

func TestMonthlyRollover(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	lastMonth := f.now.AddDate(0, -1, 0)
	f.backend.seed(&models.UsageRecord{
		Identity:       identity,
		DailyCount:     10,
		MonthlyCount:   1000,
		TotalCount:     1000,
		DailyResetAt:   models.StartOfDay(lastMonth),
		MonthlyResetAt: models.StartOfMonth(lastMonth),
	})

	decision, err := f.svc.CheckLimit(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.NotNil(t, decision.Remaining.Monthly)
	assert.Equal(t, 1000, *decision.Remaining.Monthly)
}

func TestUnknownPlanLeavesNoRecord(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	_, err := f.svc.RecordConsumption(ctx, identity, models.SubscriptionPlan("GOLD"), models.FormatMP4)
	assert.ErrorIs(t, err, apperrors.ErrUnknownPlan)

	_, err = f.svc.CheckLimit(ctx, identity, models.SubscriptionPlan("GOLD"))
	assert.ErrorIs(t, err, apperrors.ErrUnknownPlan)

	_, err = f.svc.local.Get(ctx, identity)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.backend.Get(ctx, identity)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, f.events.count())
}

func TestSuggestUpgradeAtEightyPercent(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	f.backend.seed(&models.UsageRecord{
		Identity:       identity,
		DailyCount:     40,
		MonthlyCount:   40,
		TotalCount:     40,
		DailyResetAt:   models.StartOfDay(f.now),
		MonthlyResetAt: models.StartOfMonth(f.now),
	})

	summary, err := f.svc.GetUsageSummary(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.True(t, summary.SuggestUpgrade)
	assert.Equal(t, 40, summary.Used)
	require.NotNil(t, summary.Limit)
	assert.Equal(t, 50, *summary.Limit)
	assert.InDelta(t, 80.0, summary.PercentUsed, 0.01)
}

func TestNoUpgradeNudgeBelowThreshold(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	f.backend.seed(&models.UsageRecord{
		Identity:       identity,
		DailyCount:     10,
		MonthlyCount:   10,
		TotalCount:     10,
		DailyResetAt:   models.StartOfDay(f.now),
		MonthlyResetAt: models.StartOfMonth(f.now),
	})

	summary, err := f.svc.GetUsageSummary(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.False(t, summary.SuggestUpgrade)
	assert.Equal(t, models.UsageActive, summary.State)
}

func TestAnonymousUpgradeNudgeAfterFirstDownload(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := AnonymousIdentity(uuid.NewString())

	_, err := f.svc.RecordConsumption(ctx, identity, models.FreePlan, models.FormatMOV)
	require.NoError(t, err)

	summary, err := f.svc.GetUsageSummary(ctx, identity, models.FreePlan)
	require.NoError(t, err)
	assert.True(t, summary.SuggestUpgrade)
	assert.Equal(t, 1, summary.Used)
	assert.Equal(t, models.UsageActive, summary.State)
}

func TestSyncRoundTrip(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	// A stale local copy that disagrees with the server.
	require.NoError(t, f.svc.local.Put(ctx, &models.UsageRecord{
		Identity:       identity,
		DailyCount:     2,
		MonthlyCount:   2,
		TotalCount:     2,
		DailyResetAt:   models.StartOfDay(f.now),
		MonthlyResetAt: models.StartOfMonth(f.now),
	}))
	f.backend.seed(&models.UsageRecord{
		Identity:       identity,
		DailyCount:     5,
		MonthlyCount:   7,
		TotalCount:     9,
		DailyResetAt:   models.StartOfDay(f.now),
		MonthlyResetAt: models.StartOfMonth(f.now),
	})

	record, err := f.svc.SyncFromBackend(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 5, record.DailyCount)
	assert.Equal(t, 7, record.MonthlyCount)
	assert.Equal(t, 9, record.TotalCount)
	assert.False(t, record.Stale)

	// Server wins: the summary reflects exactly the synced counts.
	summary, err := f.svc.GetUsageSummary(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Used)
}

func TestSyncFailureFallsBackToCache(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	_, err := f.svc.RecordConsumption(ctx, identity, models.StarterPlan, models.FormatMP4)
	require.NoError(t, err)

	f.backend.fail = true

	record, err := f.svc.SyncFromBackend(ctx, identity)
	require.NoError(t, err)
	assert.True(t, record.Stale)
	assert.Equal(t, 1, record.TotalCount)

	// Stale-but-safe: entitlement checks keep working.
	decision, err := f.svc.CheckLimit(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestBackendOutageIncrementsOptimistically(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	_, err := f.svc.RecordConsumption(ctx, identity, models.StarterPlan, models.FormatMP4)
	require.NoError(t, err)
	require.Equal(t, 1, f.events.count())

	f.backend.fail = true

	record, err := f.svc.RecordConsumption(ctx, identity, models.StarterPlan, models.FormatMP4)
	require.NoError(t, err)
	assert.True(t, record.Stale)
	assert.Equal(t, 2, record.TotalCount)

	// The event is queued, not dropped and not yet appended.
	assert.Equal(t, 1, f.events.count())

	// Next successful backend round trip drains the queue.
	f.backend.fail = false
	_, err = f.svc.RecordConsumption(ctx, identity, models.StarterPlan, models.FormatMP4)
	require.NoError(t, err)
	assert.Equal(t, 3, f.events.count())
}

func TestTransitionObserver(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := AnonymousIdentity(uuid.NewString())

	type transition struct {
		from, to models.UsageState
	}
	var seen []transition
	f.svc.OnTransition(func(id string, from, to models.UsageState) {
		assert.Equal(t, identity, id)
		seen = append(seen, transition{from, to})
	})

	for i := 0; i < 3; i++ {
		_, err := f.svc.RecordConsumption(ctx, identity, models.FreePlan, models.FormatMP4)
		require.NoError(t, err)
	}

	require.Len(t, seen, 2)
	assert.Equal(t, transition{models.UsageFresh, models.UsageActive}, seen[0])
	assert.Equal(t, transition{models.UsageActive, models.UsageExhausted}, seen[1])
}

func TestRecordFailureLeavesCountersUntouched(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := AnonymousIdentity(uuid.NewString())

	require.NoError(t, f.svc.RecordFailure(ctx, identity, models.FormatGIF))

	events, err := f.events.ListByIdentity(ctx, identity, time.Time{}, f.now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)

	summary, err := f.svc.GetUsageSummary(ctx, identity, models.FreePlan)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Used)
	assert.Equal(t, models.UsageFresh, summary.State)
}

func TestConcurrentConsumptionNeverOvershoots(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := AnonymousIdentity(uuid.NewString())

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.RecordConsumption(ctx, identity, models.FreePlan, models.FormatMP4); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, successes)

	record, err := f.svc.local.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 3, record.TotalCount)
}

func newCachedTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	f := newTrackerFixture(t)
	cache, _ := newTestCache(t)
	f.svc.summaries = cache
	f.svc.summaryTTL = time.Minute
	return f
}

func TestSummaryCacheKeyedByPlan(t *testing.T) {
	f := newCachedTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	f.backend.seed(&models.UsageRecord{
		Identity:       identity,
		DailyCount:     40,
		MonthlyCount:   40,
		TotalCount:     40,
		DailyResetAt:   models.StartOfDay(f.now),
		MonthlyResetAt: models.StartOfMonth(f.now),
	})

	starter, err := f.svc.GetUsageSummary(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	require.NotNil(t, starter.Limit)
	assert.Equal(t, 50, *starter.Limit)

	// A plan change must take effect immediately, not after the cached
	// starter entry expires.
	pro, err := f.svc.GetUsageSummary(ctx, identity, models.ProPlan)
	require.NoError(t, err)
	require.NotNil(t, pro.Limit)
	assert.Equal(t, 500, *pro.Limit)
	assert.False(t, pro.SuggestUpgrade)
}

func TestSummaryCacheInvalidatedOnConsumption(t *testing.T) {
	f := newCachedTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	_, err := f.svc.RecordConsumption(ctx, identity, models.StarterPlan, models.FormatMP4)
	require.NoError(t, err)

	summary, err := f.svc.GetUsageSummary(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Used)

	_, err = f.svc.RecordConsumption(ctx, identity, models.StarterPlan, models.FormatMP4)
	require.NoError(t, err)

	summary, err = f.svc.GetUsageSummary(ctx, identity, models.StarterPlan)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Used)
}

func TestIdentitySubject(t *testing.T) {
	userID := uuid.New()
	assert.Equal(t, userID.String(), IdentitySubject(UserIdentity(userID)))

	token := uuid.NewString()
	assert.Equal(t, token, IdentitySubject(AnonymousIdentity(token)))
}

func TestEnterprisePlanIsUnlimited(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	identity := UserIdentity(uuid.New())

	for i := 0; i < 100; i++ {
		_, err := f.svc.RecordConsumption(ctx, identity, models.EnterprisePlan, models.FormatMP4)
		require.NoError(t, err)
	}

	decision, err := f.svc.CheckLimit(ctx, identity, models.EnterprisePlan)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.Remaining.Daily)
	assert.Nil(t, decision.Remaining.Monthly)
	assert.Nil(t, decision.Remaining.Total)
}
