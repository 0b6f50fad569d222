package stationmaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentityStatus classifies the outcome of an identity resolution attempt.
// Statuses are values the caller branches on; the client never raises for
// quota or upstream conditions.
type IdentityStatus string

const (
	StatusSuccess            IdentityStatus = "success"
	StatusNotLinked          IdentityStatus = "not_linked"
	StatusRateLimited        IdentityStatus = "rate_limited"
	StatusTimeout            IdentityStatus = "timeout"
	StatusQuotaExhausted     IdentityStatus = "quota_exhausted"
	StatusAPIError           IdentityStatus = "api_error"
	StatusMaxRetriesExceeded IdentityStatus = "max_retries_exceeded"
	StatusNoGuildID          IdentityStatus = "no_guild_id"
	StatusNoAPIKey           IdentityStatus = "no_api_key"
)

// Cacheable reports whether the status is a real answer worth persisting.
// Only success and the legitimate negative (not linked) qualify; transient
// errors and local throttles are not answers.
func (s IdentityStatus) Cacheable() bool {
	return s == StatusSuccess || s == StatusNotLinked
}

// IdentityCacheEntry is the persisted resolution result for one Discord
// user, valid until ExpiresAt.
//
//nolint:lll // struct tags can't be split
type IdentityCacheEntry struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	UserID   string `json:"user_id" gorm:"uniqueIndex;type:string"`
	Username string `json:"username" gorm:"type:string"`

	// RobloxID is nullable: not_linked entries have no numeric identity
	RobloxID *int64 `json:"roblox_id"`

	Status    IdentityStatus `json:"status" gorm:"type:string"`
	CachedAt  int64          `json:"cached_at"`
	ExpiresAt int64          `json:"expires_at"`

	ModelUnixTime
}

func (e *IdentityCacheEntry) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("user_id", e.UserID),
		slog.String("status", string(e.Status)),
		slog.String("username", e.Username),
	}
	if e.RobloxID != nil {
		attrs = append(attrs, slog.Int64("roblox_id", *e.RobloxID))
	}
	return slog.GroupValue(attrs...)
}

func (e *IdentityCacheEntry) expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

// IdentityResult is the tuple Resolve hands back to callers.
type IdentityResult struct {
	Username string         `json:"username"`
	RobloxID *int64         `json:"roblox_id"`
	Status   IdentityStatus `json:"status"`
}

// QuotaState tracks the process-wide daily request budget. The counter
// auto-resets 24 hours after it was first exhausted, tracked via a single
// reset timestamp rather than wall-clock day boundaries. The check and
// increment happen under one lock so concurrent callers can't oversubscribe
// the ceiling.
type QuotaState struct {
	mu      sync.Mutex
	used    int
	ceiling int
	resetAt time.Time
	nowFunc func() time.Time
}

func NewQuotaState(ceiling int) *QuotaState {
	return &QuotaState{ceiling: ceiling, nowFunc: time.Now}
}

func (q *QuotaState) now() time.Time {
	if q.nowFunc != nil {
		return q.nowFunc()
	}
	return time.Now()
}

func (q *QuotaState) maybeReset(now time.Time) {
	if !q.resetAt.IsZero() && now.After(q.resetAt) {
		q.used = 0
		q.resetAt = time.Time{}
	}
}

// TryConsume consumes one unit of quota, returning false if the ceiling
// has been reached. The first failed attempt arms the 24h reset timer.
func (q *QuotaState) TryConsume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.maybeReset(now)
	if q.used >= q.ceiling {
		if q.resetAt.IsZero() {
			q.resetAt = now.Add(24 * time.Hour)
		}
		return false
	}
	q.used++
	return true
}

// Exhausted reports whether the ceiling has been reached without consuming.
// Like TryConsume, observing an exhausted quota arms the reset timer.
func (q *QuotaState) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.maybeReset(now)
	if q.used >= q.ceiling {
		if q.resetAt.IsZero() {
			q.resetAt = now.Add(24 * time.Hour)
		}
		return true
	}
	return false
}

// Remaining returns how much of the daily budget is left.
func (q *QuotaState) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maybeReset(q.now())
	if q.used >= q.ceiling {
		return 0
	}
	return q.ceiling - q.used
}

// minuteWindow enforces a rolling per-minute call ceiling: callers sleep
// until the oldest call ages out of the window.
type minuteWindow struct {
	mu      sync.Mutex
	ceiling int
	calls   []time.Time
	nowFunc func() time.Time
}

func (w *minuteWindow) now() time.Time {
	if w.nowFunc != nil {
		return w.nowFunc()
	}
	return time.Now()
}

// wait blocks until the rolling window has room for one more call, then
// records the call.
func (w *minuteWindow) wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := w.now()
		cutoff := now.Add(-time.Minute)
		live := w.calls[:0]
		for _, t := range w.calls {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		w.calls = live
		if w.ceiling <= 0 || len(w.calls) < w.ceiling {
			w.calls = append(w.calls, now)
			w.mu.Unlock()
			return nil
		}
		sleepUntil := w.calls[0].Add(time.Minute)
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(time.Until(sleepUntil)):
			//
		}
	}
}

// ErrBulkResolutionAborted is the sentinel returned when a bulk resolution
// run trips its failure thresholds. All results gathered in that call are
// discarded, protecting the remaining daily quota from a degraded upstream.
var ErrBulkResolutionAborted = errors.New(
	"bulk identity resolution aborted: upstream failure threshold reached",
)

const identityHotCacheTTL = 5 * time.Minute

// bulkResolveChunkSize is how many uncached lookups run between progress
// log lines during a bulk pass.
const bulkResolveChunkSize = 25

// Bloxlink resolves Discord user IDs to Roblox identities via the Bloxlink
// API, backed by a persistent 24h cache, a daily quota, and three rate
// constraints (minimum inter-call delay, a rolling per-minute ceiling, and
// the quota itself).
type Bloxlink struct {
	config *BloxlinkConfig
	db     DBI
	logger *slog.Logger

	httpClient *http.Client

	// requestLimiter enforces the fixed minimum delay between any two calls
	requestLimiter *rate.Limiter
	window         *minuteWindow
	quota          *QuotaState

	// hotCache fronts the persistent cache table for repeat lookups within
	// a sync pass
	hotCache *gocache.Cache

	// rateLimitRemaining mirrors the upstream X-RateLimit-Remaining header,
	// observed passively
	rateLimitRemaining int
	rateLimitReset     int64
	mu                 sync.Mutex

	nowFunc func() time.Time
}

func newBloxlink(config *BloxlinkConfig, db DBI, httpClient *http.Client) *Bloxlink {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	logger := slog.New(newTintHandler(config.LogLevel)).With(
		loggerNameKey, "bloxlink",
	)
	return &Bloxlink{
		config:     config,
		db:         db,
		logger:     logger,
		httpClient: httpClient,
		requestLimiter: rate.NewLimiter(
			rate.Every(config.MinRequestInterval), 1,
		),
		window: &minuteWindow{ceiling: config.RequestsPerMinute},
		quota:  NewQuotaState(config.DailyQuota),
		hotCache: gocache.New(
			identityHotCacheTTL, 2*identityHotCacheTTL,
		),
		rateLimitRemaining: -1,
		nowFunc:            time.Now,
	}
}

func (b *Bloxlink) now() time.Time {
	if b.nowFunc != nil {
		return b.nowFunc()
	}
	return time.Now()
}

// Quota exposes the daily quota state, mostly for the admin API.
func (b *Bloxlink) Quota() *QuotaState {
	return b.quota
}

// cachedEntry returns a non-expired cache entry for the user, or nil.
func (b *Bloxlink) cachedEntry(
	ctx context.Context,
	userID string,
) (*IdentityCacheEntry, error) {
	if v, ok := b.hotCache.Get(userID); ok {
		entry := v.(*IdentityCacheEntry)
		if !entry.expired(b.now()) {
			return entry, nil
		}
		b.hotCache.Delete(userID)
	}

	var entry IdentityCacheEntry
	err := b.db.DB().WithContext(ctx).Where(
		"user_id = ?", userID,
	).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.expired(b.now()) {
		return nil, nil
	}
	b.hotCache.SetDefault(userID, &entry)
	return &entry, nil
}

// cacheResult persists a cacheable resolution outcome. An error-status
// write never overwrites an existing success/not_linked entry: a stale but
// valid answer beats a fresh failure.
func (b *Bloxlink) cacheResult(
	ctx context.Context,
	userID string,
	result IdentityResult,
) {
	if !result.Status.Cacheable() {
		return
	}
	now := b.now()
	entry := &IdentityCacheEntry{
		UserID:    userID,
		Username:  result.Username,
		RobloxID:  result.RobloxID,
		Status:    result.Status,
		CachedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(b.config.CacheTTL).UnixMilli(),
	}
	err := b.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							"username",
							"roblox_id",
							"status",
							"cached_at",
							"expires_at",
							"updated_at",
						},
					),
				},
			).Create(entry).Error
		},
	)
	if err != nil {
		b.logger.ErrorContext(
			ctx, "error caching identity", "user_id", userID, tint.Err(err),
		)
		return
	}
	b.hotCache.SetDefault(userID, entry)
}

// Resolve maps a Discord user ID to a Roblox identity.
//
// The persistent cache is consulted first; a non-expired entry is returned
// verbatim with no quota consumed. On a miss the daily quota is checked
// before any network call, then the lookup runs with bounded retries under
// the client's rate constraints. Only success and not_linked outcomes are
// cached; quota_exhausted and transient errors are local conditions, not
// answers.
func (b *Bloxlink) Resolve(
	ctx context.Context,
	userID string,
	guildID string,
) IdentityResult {
	if guildID == "" {
		return IdentityResult{Status: StatusNoGuildID}
	}
	if b.config.APIKey == "" {
		return IdentityResult{Status: StatusNoAPIKey}
	}

	if entry, err := b.cachedEntry(ctx, userID); err != nil {
		b.logger.ErrorContext(
			ctx, "cache read failed", "user_id", userID, tint.Err(err),
		)
	} else if entry != nil {
		return IdentityResult{
			Username: entry.Username,
			RobloxID: entry.RobloxID,
			Status:   entry.Status,
		}
	}

	if b.quota.Exhausted() {
		b.logger.WarnContext(ctx, "daily quota exhausted", "user_id", userID)
		return IdentityResult{Status: StatusQuotaExhausted}
	}

	result := b.lookup(ctx, userID, guildID)
	b.cacheResult(ctx, userID, result)
	return result
}

// lookup performs the network half of Resolve: up to MaxAttempts tries,
// each gated by the minimum-delay limiter, the per-minute window, and one
// unit of daily quota.
func (b *Bloxlink) lookup(
	ctx context.Context,
	userID string,
	guildID string,
) IdentityResult {
	terminal := StatusMaxRetriesExceeded

	for attempt := 0; attempt < b.config.MaxAttempts; attempt++ {
		if err := b.requestLimiter.Wait(ctx); err != nil {
			return IdentityResult{Status: terminal}
		}
		if err := b.window.wait(ctx); err != nil {
			return IdentityResult{Status: terminal}
		}
		if !b.quota.TryConsume() {
			return IdentityResult{Status: StatusQuotaExhausted}
		}

		status, robloxID, err := b.fetchRobloxID(ctx, userID, guildID)
		switch status {
		case StatusSuccess:
			username := b.fetchUsername(ctx, robloxID)
			return IdentityResult{
				Username: username,
				RobloxID: &robloxID,
				Status:   StatusSuccess,
			}
		case StatusNotLinked:
			return IdentityResult{Status: StatusNotLinked}
		case StatusRateLimited:
			terminal = StatusRateLimited
			backoff := time.Duration(1<<uint(attempt)) * b.config.RetryBackoffBase
			b.logger.WarnContext(
				ctx,
				"rate limited by upstream",
				"user_id", userID,
				"attempt", attempt,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return IdentityResult{Status: terminal}
			case <-time.After(backoff):
				//
			}
		case StatusTimeout, StatusAPIError:
			terminal = status
			b.logger.WarnContext(
				ctx,
				"identity lookup failed",
				"user_id", userID,
				"attempt", attempt,
				"status", string(status),
				tint.Err(err),
			)
		default:
			terminal = StatusMaxRetriesExceeded
			b.logger.ErrorContext(
				ctx,
				"unexpected lookup failure",
				"user_id", userID,
				"attempt", attempt,
				tint.Err(err),
			)
		}
	}
	return IdentityResult{Status: terminal}
}

// fetchRobloxID calls the discord-to-roblox endpoint once and classifies
// the outcome.
func (b *Bloxlink) fetchRobloxID(
	ctx context.Context,
	userID string,
	guildID string,
) (IdentityStatus, int64, error) {
	url := fmt.Sprintf(
		"%s/guilds/%s/discord-to-roblox/%s",
		b.config.BaseURL,
		guildID,
		userID,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusAPIError, 0, err
	}
	req.Header.Set("Authorization", b.config.APIKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return StatusTimeout, 0, err
		}
		return StatusAPIError, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b.observeRateHeaders(resp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return StatusRateLimited, 0, nil
	case resp.StatusCode == http.StatusNotFound:
		return StatusNotLinked, 0, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// any other 4xx also means "not linked" rather than a fault
		return StatusNotLinked, 0, nil
	case resp.StatusCode != http.StatusOK:
		return StatusAPIError, 0, fmt.Errorf(
			"unexpected status %d", resp.StatusCode,
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusAPIError, 0, err
	}
	var payload struct {
		RobloxID json.Number `json:"robloxID"`
	}
	if err = json.Unmarshal(body, &payload); err != nil {
		return StatusAPIError, 0, err
	}
	robloxID, err := payload.RobloxID.Int64()
	if err != nil || robloxID == 0 {
		return StatusAPIError, 0, fmt.Errorf(
			"malformed robloxID %q", payload.RobloxID.String(),
		)
	}
	return StatusSuccess, robloxID, nil
}

// fetchUsername resolves a numeric Roblox ID to a display name via the
// users endpoint. This secondary call has its own quota upstream and is
// not retried: a failure degrades to a placeholder name.
func (b *Bloxlink) fetchUsername(ctx context.Context, robloxID int64) string {
	placeholder := fmt.Sprintf("User%d", robloxID)

	url := fmt.Sprintf("%s/users/%d", b.config.UserAPIBaseURL, robloxID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return placeholder
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.WarnContext(
			ctx, "username lookup failed", "roblox_id", robloxID, tint.Err(err),
		)
		return placeholder
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return placeholder
	}
	var payload struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return placeholder
	}
	if payload.Name != "" {
		return payload.Name
	}
	if payload.DisplayName != "" {
		return payload.DisplayName
	}
	return placeholder
}

// observeRateHeaders tracks the upstream's advertised budget without
// acting on it; the local limiters are the enforcement mechanism.
func (b *Bloxlink) observeRateHeaders(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	reset := resp.Header.Get("X-RateLimit-Reset")
	if remaining == "" && reset == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, err := strconv.Atoi(remaining); err == nil {
		b.rateLimitRemaining = v
	}
	if v, err := strconv.ParseInt(reset, 10, 64); err == nil {
		b.rateLimitReset = v
	}
}

// BulkResult aggregates a bulk resolution pass.
type BulkResult struct {
	Results      map[string]IdentityResult `json:"results"`
	CacheHits    int                       `json:"cache_hits"`
	StatusCounts map[IdentityStatus]int    `json:"status_counts"`
}

// BulkResolve resolves a batch of user IDs, serving as many as possible
// from the cache and resolving the rest sequentially to respect the rate
// constraints.
//
// If a consecutive-failure streak or the cumulative failure count crosses
// the configured thresholds, the pass aborts with
// ErrBulkResolutionAborted and discards everything gathered in this call;
// a degraded upstream should not burn the rest of the daily quota. That
// discard is deliberate policy. Per-item failures below the thresholds are
// folded into the aggregate status counts; nothing escapes the loop.
func (b *Bloxlink) BulkResolve(
	ctx context.Context,
	userIDs []string,
	guildID string,
) (*BulkResult, error) {
	rv := &BulkResult{
		Results:      make(map[string]IdentityResult, len(userIDs)),
		StatusCounts: map[IdentityStatus]int{},
	}

	var uncached []string
	for _, userID := range userIDs {
		entry, err := b.cachedEntry(ctx, userID)
		if err != nil {
			b.logger.ErrorContext(
				ctx, "cache read failed", "user_id", userID, tint.Err(err),
			)
		}
		if entry != nil {
			rv.Results[userID] = IdentityResult{
				Username: entry.Username,
				RobloxID: entry.RobloxID,
				Status:   entry.Status,
			}
			rv.StatusCounts[entry.Status]++
			rv.CacheHits++
			continue
		}
		uncached = append(uncached, userID)
	}

	consecutive := 0
	cumulative := 0
	for _, chunk := range chunkItems(bulkResolveChunkSize, uncached...) {
		for _, userID := range chunk {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			result := b.Resolve(ctx, userID, guildID)
			rv.Results[userID] = result
			rv.StatusCounts[result.Status]++

			if result.Status.Cacheable() {
				consecutive = 0
				continue
			}
			consecutive++
			cumulative++
			if consecutive >= b.config.BulkConsecutiveFailureLimit ||
				cumulative >= b.config.BulkFailureLimit {
				b.logger.ErrorContext(
					ctx,
					"aborting bulk resolution",
					"consecutive_failures", consecutive,
					"cumulative_failures", cumulative,
					"resolved_so_far", len(rv.Results),
				)
				return nil, ErrBulkResolutionAborted
			}
		}
		b.logger.InfoContext(
			ctx,
			"bulk resolution progress",
			"resolved", len(rv.Results),
			"total", len(userIDs),
		)
	}
	return rv, nil
}

// CleanupExpiredIdentities deletes cache entries past their expiry and
// returns how many were removed.
func (b *Bloxlink) CleanupExpiredIdentities(ctx context.Context) (int64, error) {
	cutoff := b.now().UnixMilli()
	var removed int64
	err := b.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Unscoped().Where(
				"expires_at <= ?", cutoff,
			).Delete(&IdentityCacheEntry{})
			removed = rv.RowsAffected
			return rv.Error
		},
	)
	if err == nil {
		b.hotCache.Flush()
	}
	return removed, err
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
