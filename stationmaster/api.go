package stationmaster

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

// structValidator validates config and request structs against their
// `binding` tags.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

// API is the operator-facing HTTP server: bot status, callsign listings,
// quota visibility and an on-demand resync trigger.
type API struct {
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	sm         *Stationmaster
}

func newAPI(sm *Stationmaster, config *APIConfig) (*API, error) {
	if config.Token == "" {
		return nil, errors.New("api token not set")
	}
	a := &API{
		config: config,
		logger: slog.New(newTintHandler(config.LogLevel)).With(
			loggerNameKey, "api",
		),
		sm: sm,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(config.AllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = config.AllowOrigins
		corsConfig.AllowCredentials = true
		corsConfig.AddAllowHeaders("Authorization")
		engine.Use(cors.New(corsConfig))
	}

	api := engine.Group("/api", a.requireToken())
	api.GET("/status", a.getStatus)
	api.GET("/callsigns", a.getCallsigns)
	api.GET("/quota", a.getQuota)
	api.POST("/resync", a.postResync)

	a.engine = engine
	a.httpServer = &http.Server{
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return a, nil
}

// requireToken is a bearer-token gate on every API route.
func (a *API) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || subtle.ConstantTimeCompare(
			[]byte(token), []byte(a.config.Token),
		) != 1 {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "invalid or missing token"},
			)
			return
		}
		c.Next()
	}
}

type statusResponse struct {
	Connected        bool  `json:"connected"`
	GatewayConnects  int64 `json:"gateway_connects"`
	GatewayDrops     int64 `json:"gateway_drops"`
	LastResyncAt     int64 `json:"last_resync_at"`
	LastCacheRefresh int64 `json:"last_cache_refresh_at"`
}

func (a *API) getStatus(c *gin.Context) {
	rv := statusResponse{
		Connected:       a.sm.discord.connected.Load(),
		GatewayConnects: a.sm.discord.metricConnects.Load(),
		GatewayDrops:    a.sm.discord.metricDisconnects.Load(),
	}
	for key, target := range map[string]*int64{
		syncKeyResync:       &rv.LastResyncAt,
		syncKeyCacheRefresh: &rv.LastCacheRefresh,
	} {
		var meta SyncMetadata
		err := a.sm.db.DB().WithContext(c.Request.Context()).Where(
			"key = ?", key,
		).First(&meta).Error
		if err == nil {
			*target = meta.LastSyncAt
		}
	}
	c.JSON(http.StatusOK, rv)
}

func (a *API) getCallsigns(c *gin.Context) {
	recs, err := ListCallsignRecords(c.Request.Context(), a.sm.db)
	if err != nil {
		a.logger.Error("error listing callsigns", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error listing callsigns"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callsigns": recs})
}

type quotaResponse struct {
	Remaining          int   `json:"remaining"`
	Exhausted          bool  `json:"exhausted"`
	RateLimitRemaining int   `json:"rate_limit_remaining"`
	RateLimitReset     int64 `json:"rate_limit_reset"`
}

func (a *API) getQuota(c *gin.Context) {
	b := a.sm.bloxlink
	if b == nil {
		c.JSON(
			http.StatusServiceUnavailable,
			gin.H{"error": "identity client not running"},
		)
		return
	}
	b.mu.Lock()
	remaining := b.rateLimitRemaining
	reset := b.rateLimitReset
	b.mu.Unlock()
	c.JSON(
		http.StatusOK, quotaResponse{
			Remaining:          b.quota.Remaining(),
			Exhausted:          b.quota.Exhausted(),
			RateLimitRemaining: remaining,
			RateLimitReset:     reset,
		},
	)
}

func (a *API) postResync(c *gin.Context) {
	if a.sm.TriggerResync() {
		c.JSON(http.StatusAccepted, gin.H{"status": "resync queued"})
		return
	}
	c.JSON(http.StatusConflict, gin.H{"status": "resync already queued"})
}

// Serve listens per the configured network/address and blocks until the
// context is cancelled.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf(
			"error listening on %s %s: %w",
			a.config.ListenNetwork,
			a.config.Listen,
			err,
		)
	}
	a.logger.Info(
		"api listening",
		"network", a.config.ListenNetwork,
		"address", listener.Addr().String(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Stop gracefully shuts down the HTTP server.
func (a *API) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("error shutting down api server", tint.Err(err))
	}
}
