// Package discord is the voice gateway client of pianobridge. It logs a bot
// into Discord via bwmarrin/discordgo, enumerates the voice channels the bot
// can reach, and relays exactly one PCM stream per direction between a local
// audio engine and one joined voice channel, transcoding with [opus.Codec].
//
// A [Client] is created by [Connect], which only returns once Discord has
// confirmed the session with a Ready event. Media is started with
// [Client.StartUplink] (joins the channel and begins sending) and
// [Client.StartDownlink] (blocks, decoding inbound frames). [Client.Stop]
// leaves the channel; [Client.Close] also closes the gateway session.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReadyTimeout bounds the wait for the gateway Ready event when
	// [Config.ReadyTimeout] is zero.
	DefaultReadyTimeout = 30 * time.Second

	// guildPageSize is the maximum page size of the current-user guilds
	// endpoint.
	guildPageSize = 100

	// discoveryConcurrency limits parallel channel-list requests.
	discoveryConcurrency = 4
)

// Config holds the settings for [Connect].
type Config struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string

	// ReadyTimeout bounds the wait for the Ready event. Zero means
	// [DefaultReadyTimeout].
	ReadyTimeout time.Duration

	// Status is the "playing ..." presence text. Empty leaves presence unset.
	Status string

	// SampleRate is the codec sample rate. Zero means 48000, which is what
	// Discord voice transmits.
	SampleRate int
}

// ChannelHandle identifies a voice channel within a guild.
type ChannelHandle struct {
	GuildID   string
	ChannelID string
}

// IsZero reports whether h is the zero handle.
func (h ChannelHandle) IsZero() bool { return h.GuildID == "" || h.ChannelID == "" }

// Label formats the operator-facing "<guild>-><channel>" label.
func Label(guildName, channelName string) string {
	return guildName + "->" + channelName
}

// Recorder receives per-frame telemetry. All methods must be safe for
// concurrent use and must not block.
type Recorder interface {
	RecordFrameSent(ctx context.Context)
	RecordFrameReceived(ctx context.Context)
	RecordCodecError(ctx context.Context, direction string)
	RecordCodecDuration(ctx context.Context, direction string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordFrameSent(context.Context) {}
func (nopRecorder) RecordFrameReceived(context.Context) {}
func (nopRecorder) RecordCodecError(context.Context, string) {}
func (nopRecorder) RecordCodecDuration(context.Context, string, time.Duration) {}

// Option configures a [Client].
type Option func(*Client)

// WithRecorder sets the telemetry sink for frame and codec events.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.rec = r
		}
	}
}

// gatewaySession is the subset of *discordgo.Session used by the client.
type gatewaySession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ChannelVoiceJoin(gID, cID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
	UpdateGameStatus(idle int, name string) error
}

var _ gatewaySession = (*discordgo.Session)(nil)

// Client is a logged-in Discord bot with at most one active media path.
//
// Client is safe for concurrent use.
type Client struct {
	session gatewaySession
	cfg     Config
	rec     Recorder
	user    string

	discoverMu sync.Mutex
	channels   map[string]ChannelHandle

	mu     sync.Mutex
	link   *voiceLink
	closed bool

	// leave tears down a joined voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	leave func(vc *discordgo.VoiceConnection) error
}

// Connect logs in with cfg.Token and blocks until Discord reports the session
// as ready, cfg.ReadyTimeout elapses, or ctx is done. Any failure closes the
// half-open session and returns a [*ConnectError].
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Token == "" {
		return nil, &ConnectError{Op: "create session", Err: fmt.Errorf("empty token")}
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, &ConnectError{Op: "create session", Err: err}
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	return connect(ctx, s, cfg, opts...)
}

func connect(ctx context.Context, s gatewaySession, cfg Config, opts ...Option) (*Client, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}

	// The handler runs on discordgo's event goroutine; the one-slot channel
	// lets it complete without waiting for us.
	ready := make(chan *discordgo.Ready, 1)
	remove := s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		select {
		case ready <- r:
		default:
		}
	})
	defer remove()

	if err := s.Open(); err != nil {
		_ = s.Close()
		return nil, &ConnectError{Op: "open", Err: err}
	}

	timer := time.NewTimer(cfg.ReadyTimeout)
	defer timer.Stop()

	var r *discordgo.Ready
	select {
	case r = <-ready:
	case <-timer.C:
		_ = s.Close()
		return nil, &ConnectError{Op: "await ready", Err: ErrReadyTimeout}
	case <-ctx.Done():
		_ = s.Close()
		return nil, &ConnectError{Op: "await ready", Err: ctx.Err()}
	}

	c := &Client{
		session: s,
		cfg:     cfg,
		rec:     nopRecorder{},
		leave:   func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() },
	}
	if r != nil && r.User != nil {
		c.user = r.User.Username
	}
	for _, o := range opts {
		o(c)
	}

	if cfg.Status != "" {
		if err := s.UpdateGameStatus(0, cfg.Status); err != nil {
			slog.Warn("discord: failed to update presence", "status", cfg.Status, "err", err)
		}
	}
	slog.Info("discord: session ready", "user", c.user)
	return c, nil
}

// User returns the bot's username as reported in the Ready event.
func (c *Client) User() string { return c.user }

// Connected reports whether the gateway session is still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// DiscoverChannels returns every reachable voice channel keyed by its
// "<guild>-><channel>" label. The first successful result is cached and
// returned unchanged by later calls. When two guilds yield the same label the
// channel from the later guild wins.
func (c *Client) DiscoverChannels(ctx context.Context) (map[string]ChannelHandle, error) {
	c.discoverMu.Lock()
	defer c.discoverMu.Unlock()

	if c.channels != nil {
		return maps.Clone(c.channels), nil
	}
	if !c.Connected() {
		return nil, ErrNotConnected
	}

	guilds, err := c.allGuilds(ctx)
	if err != nil {
		return nil, err
	}

	perGuild := make([][]*discordgo.Channel, len(guilds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryConcurrency)
	for i, guild := range guilds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			chs, err := c.session.GuildChannels(guild.ID)
			if err != nil {
				return fmt.Errorf("discord: list channels of guild %q: %w", guild.Name, err)
			}
			perGuild[i] = chs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	channels := make(map[string]ChannelHandle)
	for i, guild := range guilds {
		for _, ch := range perGuild[i] {
			if ch == nil || ch.Type != discordgo.ChannelTypeGuildVoice {
				continue
			}
			label := Label(guild.Name, ch.Name)
			if prev, dup := channels[label]; dup {
				slog.Debug("discord: duplicate channel label, keeping the later one",
					"label", label, "replaced_guild", prev.GuildID, "guild", guild.ID)
			}
			channels[label] = ChannelHandle{GuildID: guild.ID, ChannelID: ch.ID}
		}
	}

	slog.Info("discord: discovered voice channels", "guilds", len(guilds), "channels", len(channels))
	c.channels = channels
	return maps.Clone(channels), nil
}

// allGuilds pages through the guilds the bot is a member of.
func (c *Client) allGuilds(ctx context.Context) ([]*discordgo.UserGuild, error) {
	var (
		all   []*discordgo.UserGuild
		after string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := c.session.UserGuilds(guildPageSize, "", after, false)
		if err != nil {
			return nil, fmt.Errorf("discord: list guilds: %w", err)
		}
		all = append(all, page...)
		if len(page) < guildPageSize {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

// Resolve maps label to a channel handle using the discovered channels.
func (c *Client) Resolve(label string) (ChannelHandle, error) {
	c.discoverMu.Lock()
	h, ok := c.channels[label]
	c.discoverMu.Unlock()
	if !ok {
		return ChannelHandle{}, &ChannelNotFoundError{Label: label}
	}
	return h, nil
}

// Close stops any media path and closes the gateway session. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()

	stopErr := c.Stop()
	if already {
		return stopErr
	}
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return stopErr
}
