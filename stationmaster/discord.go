package stationmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandCallsign = "callsign"
	DiscordSlashCommandResync   = "resync"

	callsignSubcommandAssign = "assign"
	callsignSubcommandRemove = "remove"
	callsignSubcommandView   = "view"

	callsignOptionUser     = "user"
	callsignOptionCallsign = "callsign"

	guildMembersPageSize = 1000
)

// Discord manages the gateway session, slash commands and nickname
// application for the bot.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	sm                          *Stationmaster
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, errors.New("discord token not set")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newTintHandler(d.config.DiscordGoLogLevel),
	)
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	return session, err
}

// appCommandCallsign is the `/callsign` command with assign/remove/view
// subcommands.
func (*Discord) appCommandCallsign() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandCallsign,
		Description: "Manage member callsigns",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        callsignSubcommandAssign,
				Description: "Assign a callsign to a member",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        callsignOptionUser,
						Description: "Member to assign",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        callsignOptionCallsign,
						Description: "Numeric callsign, 'Not Assigned' or 'BLANK'",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        callsignSubcommandRemove,
				Description: "Remove a member's callsign",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        callsignOptionUser,
						Description: "Member to clear",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        callsignSubcommandView,
				Description: "View a member's callsign record",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        callsignOptionUser,
						Description: "Member to look up",
						Required:    true,
					},
				},
			},
		},
	}
}

// appCommandResync is the `/resync` command, which triggers an immediate
// incremental resync pass.
func (*Discord) appCommandResync() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandResync,
		Description: "Run a nickname/rank resync now",
	}
}

func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandCallsign(),
		d.appCommandResync(),
	}
	return d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
}

func (d *Discord) channelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d *Discord) handlerConnect() func(
	_ *discordgo.Session,
	_ *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected to discord gateway")
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
			); err != nil {
				d.logger.Warn("error sending startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	_ *discordgo.Session,
	_ *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Warn("disconnected from discord gateway")
	}
}

// allGuildMembers pages through the guild member list.
func (d *Discord) allGuildMembers(guildID string) ([]*discordgo.Member, error) {
	var members []*discordgo.Member
	after := ""
	for {
		page, err := d.session.GuildMembers(guildID, after, guildMembersPageSize)
		if err != nil {
			return members, err
		}
		members = append(members, page...)
		if len(page) < guildMembersPageSize {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// setMemberNickname applies a display name, skipping the write when the
// member already matches.
func (d *Discord) setMemberNickname(
	ctx context.Context,
	member *discordgo.Member,
	nickname string,
) error {
	current := member.Nick
	if current == "" && member.User != nil {
		current = member.User.GlobalName
	}
	if current == nickname {
		return nil
	}
	d.logger.InfoContext(
		ctx,
		"updating nickname",
		"user_id", member.User.ID,
		"old", current,
		"new", nickname,
	)
	return d.session.GuildMemberNickname(
		d.config.GuildID, member.User.ID, nickname,
	)
}

// handleInteraction dispatches slash command interactions.
func (d *Discord) handleInteraction(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	ctx := WithLogger(context.Background(), d.logger)
	data := i.ApplicationCommandData()

	var content string
	switch data.Name {
	case DiscordSlashCommandCallsign:
		content = d.sm.runCallsignCommand(ctx, i)
	case DiscordSlashCommandResync:
		content = d.sm.runResyncCommand(ctx)
	default:
		d.logger.Warn("unknown command", "command", data.Name)
		return
	}

	err := d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// subcommandOptions flattens a subcommand's options into a map by name.
func subcommandOptions(
	sub *discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(sub.Options),
	)
	for _, option := range sub.Options {
		optionMap[option.Name] = option
	}
	return optionMap
}

// DiscordSessionHandler is the subset of discordgo session operations the
// bot uses, behind an interface so tests can stub the gateway.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	SetLogLevel(lvl slog.Level) error
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
	GuildMemberNickname(
		guildID string,
		userID string,
		nickname string,
		options ...discordgo.RequestOption,
	) error
	UpdateCustomStatus(status string) error
}

// DiscordSession wraps a concrete discordgo.Session as a
// DiscordSessionHandler.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl {
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("unknown log level: %v", lvl)
	}
	return nil
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildMemberNickname(
	guildID string,
	userID string,
	nickname string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberNickname(guildID, userID, nickname, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// memberDisplayName picks the human-readable name for logs.
func memberDisplayName(m *discordgo.Member) string {
	if m == nil || m.User == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

// DeriveRankAssignment maps a member's role IDs to their FENZ and HHStJ
// codes via the configured role tables. When a member holds several roles
// in one system, the highest-priority code wins.
func DeriveRankAssignment(
	config *DiscordConfig,
	roleIDs []string,
) (fenzCode string, hhstjCode string) {
	for _, roleID := range roleIDs {
		if code, ok := config.FENZRoles[roleID]; ok {
			if FENZPriority(code) > FENZPriority(fenzCode) {
				fenzCode = code
			}
		}
		if code, ok := config.HHStJRoles[roleID]; ok {
			if HHStJPriority(code) > HHStJPriority(hhstjCode) {
				hhstjCode = strings.ToUpper(code)
			}
		}
	}
	return fenzCode, hhstjCode
}
