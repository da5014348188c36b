package services

import (
	"context"
	"encoding/json"
	"errors"
	"oriel-api/internal/config"
	"oriel-api/internal/logger"
	"oriel-api/internal/models"
	apperrors "oriel-api/internal/pkg/errors"
	"oriel-api/internal/repository"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	userIdentityPrefix = "user:"
	anonIdentityPrefix = "anon:"
)

// UserIdentity builds the tracker key for an authenticated account.
func UserIdentity(id uuid.UUID) string {
	return userIdentityPrefix + id.String()
}

// AnonymousIdentity builds the tracker key for an anonymous device token.
func AnonymousIdentity(token string) string {
	return anonIdentityPrefix + token
}

// IsAnonymousIdentity reports whether an identity lives only in the local
// store. Anonymous identities never touch the authoritative backend.
func IsAnonymousIdentity(identity string) bool {
	return strings.HasPrefix(identity, anonIdentityPrefix)
}

// IdentitySubject returns the bare account id or device token behind a
// tracker identity key.
func IdentitySubject(identity string) string {
	identity = strings.TrimPrefix(identity, userIdentityPrefix)
	return strings.TrimPrefix(identity, anonIdentityPrefix)
}

type LimitReason string

const (
	ReasonOK              LimitReason = "OK"
	ReasonDailyExceeded   LimitReason = "DAILY_EXCEEDED"
	ReasonMonthlyExceeded LimitReason = "MONTHLY_EXCEEDED"
	ReasonTotalExceeded   LimitReason = "TOTAL_EXCEEDED"
)

// Remaining carries the per-period headroom. A nil entry means the plan has
// no limit for that period.
type Remaining struct {
	Daily   *int `json:"daily"`
	Monthly *int `json:"monthly"`
	Total   *int `json:"total"`
}

type LimitDecision struct {
	Allowed   bool        `json:"allowed"`
	Reason    LimitReason `json:"reason"`
	Remaining Remaining   `json:"remaining"`
}

// UsageSummary is the display payload for quota widgets. Used/Limit/Remaining
// describe the binding limit: the bounded period closest to exhaustion.
type UsageSummary struct {
	Used           int               `json:"used"`
	Limit          *int              `json:"limit"`
	Remaining      *int              `json:"remaining"`
	PercentUsed    float64           `json:"percent_used"`
	SuggestUpgrade bool              `json:"suggest_upgrade"`
	State          models.UsageState `json:"state"`
	Stale          bool              `json:"stale"`
}

// TransitionFunc observes usage state changes for a single identity.
type TransitionFunc func(identity string, from, to models.UsageState)

type UsageService interface {
	// CheckLimit is a pure read: period rollover is applied to the
	// computation only, nothing is persisted. Limits are evaluated
	// total, then monthly, then daily; the first violated one sets the
	// reason.
	CheckLimit(ctx context.Context, identity string, plan models.SubscriptionPlan) (LimitDecision, error)

	// RecordConsumption re-validates the limits, persists the rollover,
	// increments every counter by one and appends a consumption event.
	// A denied call returns ErrQuotaExceeded and mutates nothing.
	RecordConsumption(ctx context.Context, identity string, plan models.SubscriptionPlan, format models.DownloadFormat) (*models.UsageRecord, error)

	// RecordFailure appends a success=false event for a download that was
	// authorized but failed to render. Counters are left untouched.
	RecordFailure(ctx context.Context, identity string, format models.DownloadFormat) error

	GetUsageSummary(ctx context.Context, identity string, plan models.SubscriptionPlan) (UsageSummary, error)

	// SyncFromBackend fetches the authoritative counts and overwrites the
	// local copy (server wins). On fetch failure it falls back to the
	// last-known local record marked stale; entitlement checks keep
	// working, a sync failure alone never blocks anything.
	SyncFromBackend(ctx context.Context, identity string) (*models.UsageRecord, error)

	OnTransition(fn TransitionFunc)
}

type usageService struct {
	catalog    *config.PlanCatalog
	local      repository.UsageStore
	backend    repository.UsageRecordRepository
	events     repository.ConsumptionEventRepository
	summaries  CacheService
	summaryTTL time.Duration
	now        func() time.Time

	mu            sync.Mutex
	identityLocks map[string]*sync.Mutex
	transitions   []TransitionFunc

	pendingMu sync.Mutex
	pending   []models.ConsumptionEvent
}

// NewUsageService wires the tracker. local holds anonymous identities and
// caches authenticated ones; backend is the authoritative store; summaries
// may be nil to disable summary caching.
func NewUsageService(
	catalog *config.PlanCatalog,
	local repository.UsageStore,
	backend repository.UsageRecordRepository,
	events repository.ConsumptionEventRepository,
	summaries CacheService,
	summaryTTL time.Duration,
) UsageService {
	return &usageService{
		catalog:       catalog,
		local:         local,
		backend:       backend,
		events:        events,
		summaries:     summaries,
		summaryTTL:    summaryTTL,
		now:           time.Now,
		identityLocks: make(map[string]*sync.Mutex),
	}
}

func (s *usageService) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, fn)
}

func (s *usageService) CheckLimit(ctx context.Context, identity string, plan models.SubscriptionPlan) (LimitDecision, error) {
	def, err := s.catalog.GetPlan(plan)
	if err != nil {
		return LimitDecision{}, err
	}

	record, err := s.current(ctx, identity)
	if err != nil {
		return LimitDecision{}, err
	}

	view := record.RolledOver(s.now())
	return decide(def, &view), nil
}

func (s *usageService) RecordConsumption(ctx context.Context, identity string, plan models.SubscriptionPlan, format models.DownloadFormat) (*models.UsageRecord, error) {
	// Plan lookup comes first so an unknown plan leaves no record behind.
	def, err := s.catalog.GetPlan(plan)
	if err != nil {
		return nil, err
	}
	if !format.Valid() {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "unsupported download format: "+string(format))
	}

	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()
	record, err := s.current(ctx, identity)
	if err != nil {
		return nil, err
	}

	view := record.RolledOver(now)
	if d := decide(def, &view); !d.Allowed {
		return nil, apperrors.ErrQuotaExceeded
	}
	before := stateOf(def, &view)

	var updated *models.UsageRecord
	if IsAnonymousIdentity(identity) {
		view.DailyCount++
		view.MonthlyCount++
		view.TotalCount++
		view.Stale = false
		if err := s.local.Put(ctx, &view); err != nil {
			return nil, err
		}
		updated = &view
	} else {
		result, err := s.backend.CheckAndIncrement(ctx, identity, def, now)
		switch {
		case err == nil:
			result.Stale = false
			if err := s.local.Put(ctx, result); err != nil {
				logger.Logger.WithError(err).Warn("Failed to refresh local usage cache")
			}
			updated = result
			s.flushPending(ctx)
		case errors.Is(err, apperrors.ErrQuotaExceeded):
			return nil, err
		default:
			// Backend unreachable: increment optimistically on the
			// local copy, mark it stale and retry the event later.
			view.DailyCount++
			view.MonthlyCount++
			view.TotalCount++
			view.Stale = true
			if perr := s.local.Put(ctx, &view); perr != nil {
				return nil, perr
			}
			updated = &view
			logger.Logger.WithFields(logrus.Fields{
				"identity": identity,
				"error":    err,
			}).Warn("Usage backend unavailable, recorded consumption locally")
		}
	}

	event := models.ConsumptionEvent{
		Identity:  identity,
		Format:    format,
		Success:   true,
		Timestamp: now,
	}
	if updated.Stale {
		s.queue(event)
	} else if err := s.events.Append(ctx, &event); err != nil {
		s.queue(event)
		logger.Logger.WithError(err).Warn("Failed to append consumption event, queued for retry")
	}

	s.invalidateSummary(ctx, identity)

	if after := stateOf(def, updated); after != before {
		s.fireTransition(identity, before, after)
	}

	return updated.Clone(), nil
}

func (s *usageService) RecordFailure(ctx context.Context, identity string, format models.DownloadFormat) error {
	event := models.ConsumptionEvent{
		Identity:  identity,
		Format:    format,
		Success:   false,
		Timestamp: s.now(),
	}
	if err := s.events.Append(ctx, &event); err != nil {
		s.queue(event)
		return apperrors.Wrap(err, "failed to log download failure")
	}
	return nil
}

func (s *usageService) GetUsageSummary(ctx context.Context, identity string, plan models.SubscriptionPlan) (UsageSummary, error) {
	def, err := s.catalog.GetPlan(plan)
	if err != nil {
		return UsageSummary{}, err
	}

	if s.summaries != nil {
		if raw, err := s.summaries.Get(ctx, usageSummaryKey(identity, plan)); err == nil {
			var cached UsageSummary
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return cached, nil
			}
		}
	}

	record, err := s.current(ctx, identity)
	if err != nil {
		return UsageSummary{}, err
	}

	view := record.RolledOver(s.now())
	summary := summarize(def, &view, IsAnonymousIdentity(identity))

	if s.summaries != nil {
		if err := s.summaries.Set(ctx, usageSummaryKey(identity, plan), summary, s.summaryTTL); err != nil {
			logger.Logger.WithError(err).Debug("Failed to cache usage summary")
		}
	}

	return summary, nil
}

func (s *usageService) SyncFromBackend(ctx context.Context, identity string) (*models.UsageRecord, error) {
	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	if IsAnonymousIdentity(identity) {
		record, err := s.local.Get(ctx, identity)
		if errors.Is(err, apperrors.ErrNotFound) {
			record = models.NewUsageRecord(identity, s.now())
			if err := s.local.Put(ctx, record); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		return record.Clone(), nil
	}

	record, err := s.backend.Get(ctx, identity)
	switch {
	case err == nil:
		record.Stale = false
	case errors.Is(err, apperrors.ErrNotFound):
		// Backend reachable, identity simply has no usage yet.
		record = models.NewUsageRecord(identity, s.now())
	default:
		cached, cerr := s.local.Get(ctx, identity)
		if cerr != nil {
			cached = models.NewUsageRecord(identity, s.now())
		}
		cached.Stale = true
		if perr := s.local.Put(ctx, cached); perr != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncUnavailable, "usage sync failed and the local fallback could not be stored")
		}
		logger.Logger.WithFields(logrus.Fields{
			"identity": identity,
			"error":    err,
		}).Warn("Usage sync failed, serving last-known local record")
		return cached.Clone(), nil
	}

	if err := s.local.Put(ctx, record); err != nil {
		return nil, err
	}
	s.invalidateSummary(ctx, identity)
	s.flushPending(ctx)
	return record.Clone(), nil
}

// current loads the working copy for an identity: local store first, then a
// read-through to the backend for authenticated identities. Records are
// created lazily with zero counts.
func (s *usageService) current(ctx context.Context, identity string) (*models.UsageRecord, error) {
	record, err := s.local.Get(ctx, identity)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	if IsAnonymousIdentity(identity) {
		record = models.NewUsageRecord(identity, s.now())
		if err := s.local.Put(ctx, record); err != nil {
			return nil, err
		}
		return record, nil
	}

	record, err = s.backend.Get(ctx, identity)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrNotFound):
		record = models.NewUsageRecord(identity, s.now())
	default:
		record = models.NewUsageRecord(identity, s.now())
		record.Stale = true
		logger.Logger.WithFields(logrus.Fields{
			"identity": identity,
			"error":    err,
		}).Warn("Usage backend unavailable, starting from zero-count record")
	}

	if perr := s.local.Put(ctx, record); perr != nil {
		return nil, perr
	}
	return record, nil
}

func (s *usageService) lockFor(identity string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.identityLocks[identity]
	if !ok {
		lock = &sync.Mutex{}
		s.identityLocks[identity] = lock
	}
	return lock
}

func (s *usageService) queue(event models.ConsumptionEvent) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = append(s.pending, event)
}

// flushPending drains the retry queue. Called only after a successful
// backend round trip, never in a retry loop of its own.
func (s *usageService) flushPending(ctx context.Context) {
	s.pendingMu.Lock()
	queued := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	for i := range queued {
		event := queued[i]
		if err := s.events.Append(ctx, &event); err != nil {
			s.pendingMu.Lock()
			s.pending = append(s.pending, queued[i:]...)
			s.pendingMu.Unlock()
			logger.Logger.WithError(err).Warn("Retry of queued consumption events interrupted")
			return
		}
	}
}

func (s *usageService) fireTransition(identity string, from, to models.UsageState) {
	s.mu.Lock()
	observers := make([]TransitionFunc, len(s.transitions))
	copy(observers, s.transitions)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(identity, from, to)
	}
}

func (s *usageService) invalidateSummary(ctx context.Context, identity string) {
	if s.summaries == nil {
		return
	}
	// Drop the entry for every plan: counters changed, the plan in effect
	// for this identity may have changed too.
	if err := s.summaries.DeleteByPattern(ctx, "usage:summary:*:"+identity); err != nil {
		logger.Logger.WithError(err).Debug("Failed to invalidate usage summary cache")
	}
}

// Summary entries are keyed by plan as well as identity so a plan change
// takes effect immediately instead of after the TTL.
func usageSummaryKey(identity string, plan models.SubscriptionPlan) string {
	return "usage:summary:" + string(plan) + ":" + identity
}

// decide evaluates total, then monthly, then daily. The first violated
// limit sets the reason; total leads because it is the binding constraint
// for free-tier identities.
func decide(def config.PlanDefinition, record *models.UsageRecord) LimitDecision {
	decision := LimitDecision{
		Allowed:   true,
		Reason:    ReasonOK,
		Remaining: remainingOf(def, record),
	}

	switch {
	case def.TotalLimit != nil && record.TotalCount >= *def.TotalLimit:
		decision.Allowed = false
		decision.Reason = ReasonTotalExceeded
	case def.MonthlyLimit != nil && record.MonthlyCount >= *def.MonthlyLimit:
		decision.Allowed = false
		decision.Reason = ReasonMonthlyExceeded
	case def.DailyLimit != nil && record.DailyCount >= *def.DailyLimit:
		decision.Allowed = false
		decision.Reason = ReasonDailyExceeded
	}

	return decision
}

func remainingOf(def config.PlanDefinition, record *models.UsageRecord) Remaining {
	return Remaining{
		Daily:   headroom(def.DailyLimit, record.DailyCount),
		Monthly: headroom(def.MonthlyLimit, record.MonthlyCount),
		Total:   headroom(def.TotalLimit, record.TotalCount),
	}
}

func headroom(limit *int, used int) *int {
	if limit == nil {
		return nil
	}
	left := *limit - used
	if left < 0 {
		left = 0
	}
	return &left
}

// stateOf classifies a record against its plan. EXHAUSTED once any bounded
// limit is reached; FRESH while every bounded counter is zero; ACTIVE in
// between. Unbounded plans go ACTIVE on the first lifetime download.
func stateOf(def config.PlanDefinition, record *models.UsageRecord) models.UsageState {
	if def.Exceeded(record.DailyCount, record.MonthlyCount, record.TotalCount) {
		return models.UsageExhausted
	}

	active := false
	if def.DailyLimit != nil && record.DailyCount > 0 {
		active = true
	}
	if def.MonthlyLimit != nil && record.MonthlyCount > 0 {
		active = true
	}
	if def.TotalLimit != nil && record.TotalCount > 0 {
		active = true
	}
	if !def.Bounded() && record.TotalCount > 0 {
		active = true
	}

	if active {
		return models.UsageActive
	}
	return models.UsageFresh
}

func summarize(def config.PlanDefinition, record *models.UsageRecord, anonymous bool) UsageSummary {
	summary := UsageSummary{
		State: stateOf(def, record),
		Stale: record.Stale,
	}

	type bound struct {
		used  int
		limit int
	}
	var bounds []bound
	if def.DailyLimit != nil {
		bounds = append(bounds, bound{record.DailyCount, *def.DailyLimit})
	}
	if def.MonthlyLimit != nil {
		bounds = append(bounds, bound{record.MonthlyCount, *def.MonthlyLimit})
	}
	if def.TotalLimit != nil {
		bounds = append(bounds, bound{record.TotalCount, *def.TotalLimit})
	}

	for _, b := range bounds {
		percent := 100.0
		if b.limit > 0 {
			percent = float64(b.used) / float64(b.limit) * 100
		}
		if percent >= 80 {
			summary.SuggestUpgrade = true
		}
		if percent >= summary.PercentUsed {
			summary.PercentUsed = percent
			used := b.used
			limitVal := b.limit
			left := limitVal - used
			if left < 0 {
				left = 0
			}
			summary.Used = used
			summary.Limit = &limitVal
			summary.Remaining = &left
		}
	}

	if len(bounds) == 0 {
		summary.Used = record.TotalCount
	}

	// Anonymous identities are nudged toward registration after their
	// first download regardless of percentage.
	if anonymous && record.TotalCount >= 1 {
		summary.SuggestUpgrade = true
	}

	return summary
}
