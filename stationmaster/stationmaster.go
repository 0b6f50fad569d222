// Package stationmaster implements a Discord community-management bot for
// a fire/EMS roleplay organization. It manages member callsigns, derives
// rank codes from Discord roles, resolves Roblox identities through the
// Bloxlink API (behind a persistent 24-hour cache with quota tracking),
// formats canonical display names, and mirrors assignments to a Google
// Sheets report.
package stationmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Overridden at build time with:
// -ldflags "-X github.com/tuimorsa/stationmaster/stationmaster.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Stationmaster is the top-level bot: it owns the database, the Discord
// session, the Bloxlink client, the sheet mirror and the admin API, and
// drives the recurring sync tasks.
type Stationmaster struct {
	config *Config
	logger *slog.Logger

	db       DBI
	discord  *Discord
	bloxlink *Bloxlink
	sheets   *SheetsMirror
	api      *API

	// signalStop requests a shutdown from inside the run loop
	signalStop chan struct{}

	// triggerResyncCh requests an immediate resync pass
	triggerResyncCh chan struct{}

	resyncMu sync.Mutex
}

// New creates a Stationmaster from the given config. The database and
// Discord session are not touched until Run.
func New(config *Config) (*Stationmaster, error) {
	if config == nil {
		config = DefaultConfig()
	}
	sm := &Stationmaster{
		config:          config,
		signalStop:      make(chan struct{}, 1),
		triggerResyncCh: make(chan struct{}, 1),
	}
	sm.logger = slog.New(newTintHandler(config.LogLevel)).With(
		loggerNameKey, "stationmaster",
	)

	var errs []error

	discord, err := newDiscord(config.Discord)
	errs = append(errs, err)
	if discord != nil {
		discord.logger = slog.New(
			newTintHandler(config.Discord.LogLevel),
		).With(loggerNameKey, "discord")
		discord.sm = sm
	}
	sm.discord = discord

	if config.API.Enabled {
		api, e := newAPI(sm, config.API)
		errs = append(errs, e)
		sm.api = api
	}

	return sm, errors.Join(errs...)
}

// ValidateConfig checks the loaded configuration against its binding tags.
func (sm *Stationmaster) ValidateConfig() error {
	return structValidator.Struct(sm.config)
}

// RegisterSlashCommands registers the bot's application commands.
func (sm *Stationmaster) RegisterSlashCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return sm.discord.registerCommands(options...)
}

func (sm *Stationmaster) initDB(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		sm.config.DatabaseType,
		sm.config.Database,
		sm.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	dbLogger := slog.New(newTintHandler(sm.config.DatabaseLogLevel))
	sm.db = NewDatabase(
		db,
		dbLogger,
		sm.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// Run starts the bot and blocks until the context is cancelled or a stop
// signal arrives. Startup is bounded by Config.StartupTimeout and shutdown
// by Config.ShutdownTimeout.
func (sm *Stationmaster) Run(ctx context.Context) error {
	startCtx, startCancel := context.WithTimeout(ctx, sm.config.StartupTimeout)
	defer startCancel()

	if err := sm.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := sm.initDB(startCtx); err != nil {
		return err
	}

	sm.bloxlink = newBloxlink(sm.config.Bloxlink, sm.db, sm.config.HTTPClient)

	if sm.config.Sheets.Enabled {
		sheets, err := newSheetsMirror(startCtx, sm.config.Sheets, sm.logger)
		if err != nil {
			return err
		}
		sm.sheets = sheets
	}

	session, err := sm.discord.newSession()
	if err != nil {
		return err
	}
	sm.discord.session = session
	sm.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(sm.discord.handlerConnect()),
		session.AddHandler(sm.discord.handlerDisconnect()),
		session.AddHandler(
			func(s *discordgo.Session, i *discordgo.InteractionCreate) {
				sm.discord.handleInteraction(s, i)
			},
		),
	}
	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if _, err = sm.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if sm.api != nil {
		g.Go(
			func() error {
				return sm.api.Serve(gctx)
			},
		)
	}
	g.Go(
		func() error {
			sm.watchSyncTasks(gctx)
			return nil
		},
	)

	sm.logger.Info("stationmaster running", "config", sm.config)

	select {
	case <-ctx.Done():
		sm.logger.Info("context cancelled, shutting down")
	case <-sm.signalStop:
		sm.logger.Info("received stop signal, shutting down")
		cancel()
	case <-gctx.Done():
		//
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		sm.config.ShutdownTimeout,
	)
	defer shutdownCancel()
	sm.shutdown(shutdownCtx)

	return g.Wait()
}

func (sm *Stationmaster) shutdown(ctx context.Context) {
	for _, remove := range sm.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	if sm.discord.session != nil {
		if err := sm.discord.session.Close(); err != nil {
			sm.logger.Warn("error closing discord session", tint.Err(err))
		}
	}
	if sm.api != nil {
		sm.api.Stop(ctx)
	}
	if db, err := sm.db.DB().DB(); err == nil {
		_ = db.Close()
	}
}

// Stop requests a shutdown.
func (sm *Stationmaster) Stop() {
	select {
	case sm.signalStop <- struct{}{}:
	default:
	}
}

// TriggerResync requests an immediate resync pass, returning false if one
// is already queued.
func (sm *Stationmaster) TriggerResync() bool {
	select {
	case sm.triggerResyncCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// watchSyncTasks drives the recurring work: an hourly incremental resync
// and a daily identity-cache refresh, plus on-demand resyncs from the
// slash command and admin API.
func (sm *Stationmaster) watchSyncTasks(ctx context.Context) {
	resyncTicker := time.NewTicker(sm.config.Sync.ResyncInterval)
	defer resyncTicker.Stop()
	refreshTicker := time.NewTicker(sm.config.Sync.CacheRefreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resyncTicker.C:
			sm.runResync(ctx)
		case <-sm.triggerResyncCh:
			sm.runResync(ctx)
		case <-refreshTicker.C:
			if err := sm.RefreshIdentityCache(ctx); err != nil {
				sm.logger.ErrorContext(
					ctx,
					"identity cache refresh failed",
					tint.Err(err),
				)
			}
		}
	}
}

func (sm *Stationmaster) runResync(ctx context.Context) {
	sm.resyncMu.Lock()
	defer sm.resyncMu.Unlock()
	if _, err := sm.Resync(ctx); err != nil {
		sm.logger.ErrorContext(ctx, "resync failed", tint.Err(err))
	}
}

// AssignCallsign resolves the member's identity, builds a fresh record and
// atomically replaces any prior assignment, then applies the new display
// name. Returns the stored record.
func (sm *Stationmaster) AssignCallsign(
	ctx context.Context,
	member *discordgo.Member,
	callsign string,
	approver string,
) (*CallsignRecord, error) {
	fenzCode, liveHHStJ := DeriveRankAssignment(sm.config.Discord, member.Roles)

	hhstjCode := liveHHStJ
	if prior, err := GetCallsignRecord(ctx, sm.db, member.User.ID); err == nil &&
		prior != nil && liveHHStJ != "" {
		hhstjCode, _ = PreserveShorthand(prior.HHStJPrefix, liveHHStJ)
	}

	result := sm.bloxlink.Resolve(ctx, member.User.ID, sm.config.Discord.GuildID)
	identityName := result.Username
	var identityID int64
	if result.RobloxID != nil {
		identityID = *result.RobloxID
	}

	rec := &CallsignRecord{
		UserID:           member.User.ID,
		Username:         member.User.Username,
		Callsign:         NormalizeCallsign(callsign),
		FENZPrefix:       fenzCode,
		HHStJPrefix:      hhstjCode,
		IdentityUsername: identityName,
		IdentityID:       identityID,
		Approver:         approver,
	}
	if err := ReplaceCallsign(ctx, sm.db, rec); err != nil {
		return nil, err
	}

	nickname := FormatNickname(fenzCode, rec.Callsign, hhstjCode, identityName)
	if err := sm.discord.setMemberNickname(ctx, member, nickname); err != nil {
		sm.logger.WarnContext(
			ctx,
			"error applying nickname after assignment",
			"user_id", member.User.ID,
			tint.Err(err),
		)
	}

	if sm.sheets != nil {
		if err := sm.sheets.UpsertRecord(ctx, rec); err != nil {
			sm.logger.WarnContext(
				ctx, "sheet mirror failed", "user_id", member.User.ID, tint.Err(err),
			)
		}
	}
	return rec, nil
}

// runCallsignCommand handles the `/callsign` slash command and returns the
// user-facing response content.
func (sm *Stationmaster) runCallsignCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return "Missing subcommand"
	}
	sub := data.Options[0]
	options := subcommandOptions(sub)

	userOption, ok := options[callsignOptionUser]
	if !ok {
		return "Missing user option"
	}
	targetID := userOption.Value.(string)

	switch sub.Name {
	case callsignSubcommandAssign:
		callsignOpt, hasCallsign := options[callsignOptionCallsign]
		if !hasCallsign {
			return "Missing callsign option"
		}
		callsign := strings.TrimSpace(callsignOpt.StringValue())

		member, err := sm.discord.session.GuildMember(
			sm.config.Discord.GuildID, targetID,
		)
		if err != nil {
			return "Couldn't find that member"
		}
		approver := ""
		if u := interactionUser(i); u != nil {
			approver = u.ID
		}
		rec, err := sm.AssignCallsign(ctx, member, callsign, approver)
		var dup *DuplicateCallsignError
		switch {
		case errors.As(err, &dup):
			return fmt.Sprintf(
				"Callsign %s-%s is already held by <@%s>",
				dup.Conflicting.FENZPrefix,
				dup.Conflicting.Callsign,
				dup.Conflicting.UserID,
			)
		case err != nil:
			sm.logger.ErrorContext(ctx, "assignment failed", tint.Err(err))
			return "Something went wrong assigning that callsign"
		}
		return fmt.Sprintf(
			"Assigned %s-%s to <@%s>",
			rec.FENZPrefix, rec.Callsign, rec.UserID,
		)
	case callsignSubcommandRemove:
		rec, err := RemoveCallsign(ctx, sm.db, targetID)
		if err != nil {
			sm.logger.ErrorContext(ctx, "removal failed", tint.Err(err))
			return "Something went wrong removing that callsign"
		}
		if rec == nil {
			return "That member has no callsign record"
		}
		if sm.sheets != nil {
			if e := sm.sheets.RemoveRecord(ctx, targetID); e != nil {
				sm.logger.WarnContext(ctx, "sheet removal failed", tint.Err(e))
			}
		}
		return fmt.Sprintf("Removed %s from <@%s>", rec.Callsign, rec.UserID)
	case callsignSubcommandView:
		rec, err := GetCallsignRecord(ctx, sm.db, targetID)
		if err != nil {
			sm.logger.ErrorContext(ctx, "lookup failed", tint.Err(err))
			return "Something went wrong looking up that record"
		}
		if rec == nil {
			return "That member has no callsign record"
		}
		return fmt.Sprintf(
			"<@%s>: callsign `%s`, FENZ `%s`, HHStJ `%s`, identity `%s`",
			rec.UserID,
			rec.Callsign,
			rec.FENZPrefix,
			rec.HHStJPrefix,
			rec.IdentityUsername,
		)
	default:
		return "Unknown subcommand"
	}
}

// runResyncCommand handles the `/resync` slash command.
func (sm *Stationmaster) runResyncCommand(_ context.Context) string {
	if sm.TriggerResync() {
		return "Resync queued"
	}
	return "A resync is already queued"
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}
