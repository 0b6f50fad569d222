package stationmaster

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBloxlink wires a Bloxlink client against stub Bloxlink and Roblox
// user API servers. The returned counters track upstream calls.
func newTestBloxlink(
	t testing.TB,
	bloxlinkHandler http.HandlerFunc,
) (*Bloxlink, *atomic.Int64, *atomic.Int64) {
	t.Helper()

	lookupCalls := &atomic.Int64{}
	userCalls := &atomic.Int64{}

	bloxlinkServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				lookupCalls.Add(1)
				bloxlinkHandler(w, r)
			},
		),
	)
	t.Cleanup(bloxlinkServer.Close)

	userServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				userCalls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				_, _ = fmt.Fprint(w, `{"name": "Smith123", "displayName": "Smith"}`)
			},
		),
	)
	t.Cleanup(userServer.Close)

	cfg := DefaultTestConfig(t).Bloxlink
	cfg.BaseURL = bloxlinkServer.URL
	cfg.UserAPIBaseURL = userServer.URL

	b := newBloxlink(cfg, newTestDB(t), nil)
	return b, lookupCalls, userCalls
}

func successHandler(robloxID int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"robloxID": %d}`, robloxID)
	}
}

func TestResolveSuccess(t *testing.T) {
	t.Parallel()
	b, lookupCalls, userCalls := newTestBloxlink(t, successHandler(12345))
	ctx := context.Background()

	result := b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "Smith123", result.Username)
	require.NotNil(t, result.RobloxID)
	assert.Equal(t, int64(12345), *result.RobloxID)
	assert.Equal(t, int64(1), lookupCalls.Load())
	assert.Equal(t, int64(1), userCalls.Load())
}

func TestResolveServedFromCache(t *testing.T) {
	t.Parallel()
	b, lookupCalls, _ := newTestBloxlink(t, successHandler(12345))
	ctx := context.Background()

	first := b.Resolve(ctx, "user-1", "guild-1")
	require.Equal(t, StatusSuccess, first.Status)

	// repeat lookups don't touch the network or the quota
	before := b.quota.Remaining()
	second := b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), lookupCalls.Load())
	assert.Equal(t, before, b.quota.Remaining())

	// the persistent entry survives a hot-cache flush
	b.hotCache.Flush()
	third := b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, first, third)
	assert.Equal(t, int64(1), lookupCalls.Load())
}

func TestResolveNotLinked(t *testing.T) {
	t.Parallel()
	b, lookupCalls, _ := newTestBloxlink(
		t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		},
	)
	ctx := context.Background()

	result := b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, StatusNotLinked, result.Status)
	assert.Nil(t, result.RobloxID)

	// not_linked is a real answer and caches like one
	result = b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, StatusNotLinked, result.Status)
	assert.Equal(t, int64(1), lookupCalls.Load())
}

func TestResolveFastFailures(t *testing.T) {
	t.Parallel()
	b, lookupCalls, _ := newTestBloxlink(t, successHandler(1))
	ctx := context.Background()

	result := b.Resolve(ctx, "user-1", "")
	assert.Equal(t, StatusNoGuildID, result.Status)

	b.config.APIKey = ""
	result = b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, StatusNoAPIKey, result.Status)

	assert.Zero(t, lookupCalls.Load())
}

func TestResolveRetriesServerErrors(t *testing.T) {
	t.Parallel()
	b, lookupCalls, _ := newTestBloxlink(
		t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	)
	ctx := context.Background()

	result := b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, StatusAPIError, result.Status)
	assert.Equal(t, int64(b.config.MaxAttempts), lookupCalls.Load())
}

func TestResolveRateLimited(t *testing.T) {
	t.Parallel()
	b, lookupCalls, _ := newTestBloxlink(
		t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", "1700000000")
			w.WriteHeader(http.StatusTooManyRequests)
		},
	)
	ctx := context.Background()

	result := b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, StatusRateLimited, result.Status)
	assert.Equal(t, int64(b.config.MaxAttempts), lookupCalls.Load())

	// advertised budget is observed passively
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 0, b.rateLimitRemaining)
	assert.Equal(t, int64(1700000000), b.rateLimitReset)
}

func TestErrorNeverOverwritesCachedAnswer(t *testing.T) {
	t.Parallel()
	var failing atomic.Bool
	b, _, _ := newTestBloxlink(
		t, func(w http.ResponseWriter, r *http.Request) {
			if failing.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			successHandler(777)(w, r)
		},
	)
	ctx := context.Background()

	first := b.Resolve(ctx, "user-1", "guild-1")
	require.Equal(t, StatusSuccess, first.Status)

	// force the cached entry past expiry so the next resolve goes upstream
	require.NoError(
		t,
		b.db.DB().Model(&IdentityCacheEntry{}).Where(
			"user_id = ?", "user-1",
		).Update("expires_at", time.Now().Add(-time.Hour).UnixMilli()).Error,
	)
	b.hotCache.Flush()
	failing.Store(true)

	result := b.Resolve(ctx, "user-1", "guild-1")
	assert.Equal(t, StatusAPIError, result.Status)

	// the stale success row is still there, untouched by the failure
	var entry IdentityCacheEntry
	require.NoError(
		t,
		b.db.DB().Where("user_id = ?", "user-1").First(&entry).Error,
	)
	assert.Equal(t, StatusSuccess, entry.Status)
	require.NotNil(t, entry.RobloxID)
	assert.Equal(t, int64(777), *entry.RobloxID)
}

func TestQuotaState(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q := NewQuotaState(2)
	q.nowFunc = func() time.Time { return now }

	assert.True(t, q.TryConsume())
	assert.True(t, q.TryConsume())
	assert.Equal(t, 0, q.Remaining())

	// first failed attempt arms the 24h reset timer
	assert.False(t, q.TryConsume())
	assert.True(t, q.Exhausted())

	// 23h later: still exhausted
	now = now.Add(23 * time.Hour)
	assert.False(t, q.TryConsume())

	// past the reset point the budget comes back in full
	now = now.Add(2 * time.Hour)
	assert.False(t, q.Exhausted())
	assert.Equal(t, 2, q.Remaining())
	assert.True(t, q.TryConsume())
}

func TestQuotaExhaustionSkipsNetwork(t *testing.T) {
	t.Parallel()
	b, lookupCalls, _ := newTestBloxlink(t, successHandler(1))
	b.quota = NewQuotaState(2)
	ctx := context.Background()

	assert.Equal(t, StatusSuccess, b.Resolve(ctx, "user-1", "guild-1").Status)
	assert.Equal(t, StatusSuccess, b.Resolve(ctx, "user-2", "guild-1").Status)

	result := b.Resolve(ctx, "user-3", "guild-1")
	assert.Equal(t, StatusQuotaExhausted, result.Status)
	assert.Equal(t, int64(2), lookupCalls.Load())

	// exhaustion is never cached: a cached answer still serves
	assert.Equal(t, StatusSuccess, b.Resolve(ctx, "user-1", "guild-1").Status)
}

func TestMinuteWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	w := &minuteWindow{ceiling: 2}
	w.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, w.wait(ctx))
	require.NoError(t, w.wait(ctx))
	assert.Len(t, w.calls, 2)

	// once the earlier calls age out, the window has room again
	now = now.Add(61 * time.Second)
	require.NoError(t, w.wait(ctx))
	assert.Len(t, w.calls, 1)

	// a zero ceiling disables the window
	unlimited := &minuteWindow{}
	for i := 0; i < 10; i++ {
		require.NoError(t, unlimited.wait(ctx))
	}
}

func TestBulkResolve(t *testing.T) {
	t.Parallel()
	b, lookupCalls, _ := newTestBloxlink(t, successHandler(42))
	ctx := context.Background()

	// prime one user so the bulk pass gets a cache hit
	require.Equal(
		t,
		StatusSuccess,
		b.Resolve(ctx, "user-1", "guild-1").Status,
	)
	require.Equal(t, int64(1), lookupCalls.Load())

	rv, err := b.BulkResolve(
		ctx, []string{"user-1", "user-2", "user-3"}, "guild-1",
	)
	require.NoError(t, err)
	assert.Len(t, rv.Results, 3)
	assert.Equal(t, 1, rv.CacheHits)
	assert.Equal(t, 3, rv.StatusCounts[StatusSuccess])
	assert.Equal(t, int64(3), lookupCalls.Load())
}

func TestBulkResolveSpansChunks(t *testing.T) {
	t.Parallel()
	b, lookupCalls, _ := newTestBloxlink(t, successHandler(42))
	ctx := context.Background()

	userIDs := make([]string, bulkResolveChunkSize+3)
	for i := range userIDs {
		userIDs[i] = fmt.Sprintf("user-%d", i)
	}
	rv, err := b.BulkResolve(ctx, userIDs, "guild-1")
	require.NoError(t, err)
	assert.Len(t, rv.Results, len(userIDs))
	assert.Equal(t, len(userIDs), rv.StatusCounts[StatusSuccess])
	assert.Equal(t, int64(len(userIDs)), lookupCalls.Load())
}

func TestBulkResolveAbortsOnConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBloxlink(
		t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	)
	b.config.MaxAttempts = 1
	b.config.BulkConsecutiveFailureLimit = 2
	ctx := context.Background()

	rv, err := b.BulkResolve(
		ctx, []string{"user-1", "user-2", "user-3"}, "guild-1",
	)
	require.ErrorIs(t, err, ErrBulkResolutionAborted)
	assert.Nil(t, rv)
}

func TestBulkResolveAbortsOnCumulativeFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	b, _, _ := newTestBloxlink(
		t, func(w http.ResponseWriter, r *http.Request) {
			// alternate failures with successes so no consecutive streak forms
			if calls.Add(1)%2 == 0 {
				successHandler(42)(w, r)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
		},
	)
	b.config.MaxAttempts = 1
	b.config.BulkConsecutiveFailureLimit = 100
	b.config.BulkFailureLimit = 3

	userIDs := make([]string, 10)
	for i := range userIDs {
		userIDs[i] = fmt.Sprintf("user-%d", i)
	}
	rv, err := b.BulkResolve(context.Background(), userIDs, "guild-1")
	require.ErrorIs(t, err, ErrBulkResolutionAborted)
	assert.Nil(t, rv)
}

func TestCleanupExpiredIdentities(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBloxlink(t, successHandler(42))
	ctx := context.Background()

	require.Equal(t, StatusSuccess, b.Resolve(ctx, "user-1", "guild-1").Status)
	require.Equal(t, StatusSuccess, b.Resolve(ctx, "user-2", "guild-1").Status)

	require.NoError(
		t,
		b.db.DB().Model(&IdentityCacheEntry{}).Where(
			"user_id = ?", "user-1",
		).Update("expires_at", time.Now().Add(-time.Hour).UnixMilli()).Error,
	)

	removed, err := b.CleanupExpiredIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var remaining []IdentityCacheEntry
	require.NoError(t, b.db.DB().Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "user-2", remaining[0].UserID)
}

func TestFetchUsernamePlaceholder(t *testing.T) {
	t.Parallel()

	// username lookups degrade to a placeholder instead of failing the
	// resolution
	b, _, _ := newTestBloxlink(t, successHandler(9000))
	b.config.UserAPIBaseURL = "http://127.0.0.1:1"

	result := b.Resolve(context.Background(), "user-1", "guild-1")
	assert.Equal(t, StatusSuccess, result.Status)
	assert.True(
		t,
		strings.HasPrefix(result.Username, "User"),
		result.Username,
	)
	assert.Equal(t, "User9000", result.Username)
}

func TestIdentityStatusCacheable(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusSuccess.Cacheable())
	assert.True(t, StatusNotLinked.Cacheable())
	for _, status := range []IdentityStatus{
		StatusRateLimited,
		StatusTimeout,
		StatusQuotaExhausted,
		StatusAPIError,
		StatusMaxRetriesExceeded,
		StatusNoGuildID,
		StatusNoAPIKey,
	} {
		assert.False(t, status.Cacheable(), string(status))
	}
}
