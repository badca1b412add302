package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/pianobridge/pkg/audio"
	"github.com/MrWong99/pianobridge/pkg/audio/opus"
)

const (
	directionUplink   = "uplink"
	directionDownlink = "downlink"

	// codecErrorLogEvery throttles per-frame codec warnings: the first
	// failure is logged, then every Nth.
	codecErrorLogEvery = 250
)

// voiceLink is one joined voice channel together with the codec context and
// the loops relaying audio over it.
type voiceLink struct {
	handle ChannelHandle
	vc     *discordgo.VoiceConnection
	codec  *opus.Codec

	done     chan struct{}
	wg       sync.WaitGroup
	downlink bool // guarded by Client.mu

	encodeErrs atomic.Uint64
	decodeErrs atomic.Uint64
}

// StartUplink joins the voice channel h and starts sending one encoded frame
// per transport tick. Each tick pulls exactly one PCM frame from src, so src
// is invoked from the client's send goroutine and must return promptly.
//
// A failed join leaves nothing registered. Calling StartUplink while a media
// path exists returns [ErrUplinkActive].
func (c *Client) StartUplink(ctx context.Context, h ChannelHandle, src audio.AudioSource) error {
	if src == nil {
		return fmt.Errorf("discord: start uplink: nil source")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotConnected
	}
	if c.link != nil {
		return ErrUplinkActive
	}
	if h.IsZero() {
		return &ConnectError{Op: "join voice", Err: fmt.Errorf("invalid channel handle %+v", h)}
	}
	if err := ctx.Err(); err != nil {
		return &ConnectError{Op: "join voice", Err: err}
	}

	codec, err := opus.New(c.cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("discord: start uplink: %w", err)
	}

	vc, err := c.session.ChannelVoiceJoin(h.GuildID, h.ChannelID, false, false)
	if err != nil {
		if vc != nil {
			if lerr := c.leave(vc); lerr != nil {
				slog.Debug("discord: cleanup after failed join", "err", lerr)
			}
		}
		return &ConnectError{Op: "join voice", Err: err}
	}

	l := &voiceLink{
		handle: h,
		vc:     vc,
		codec:  codec,
		done:   make(chan struct{}),
	}
	c.link = l

	setSpeaking(vc, true)

	l.wg.Add(1)
	go c.sendLoop(l, src)

	slog.Info("discord: uplink started", "guild", h.GuildID, "channel", h.ChannelID)
	return nil
}

// sendLoop pulls, encodes, and transmits frames until the link is stopped.
// The blocking send on OpusSend is paced by discordgo's 20 ms sender, which
// makes it the uplink scheduler.
func (c *Client) sendLoop(l *voiceLink, src audio.AudioSource) {
	defer l.wg.Done()

	ctx := context.Background()
	pcm := make([]int16, l.codec.PCMLength())
	for {
		select {
		case <-l.done:
			return
		default:
		}

		src.PullPCM(pcm)

		start := time.Now()
		pkt, err := l.codec.Encode(pcm)
		c.rec.RecordCodecDuration(ctx, directionUplink, time.Since(start))
		if err != nil {
			c.rec.RecordCodecError(ctx, directionUplink)
			if n := l.encodeErrs.Add(1); n == 1 || n%codecErrorLogEvery == 0 {
				slog.Warn("discord: dropping frame after encode error", "count", n, "err", err)
			}
			continue
		}

		select {
		case l.vc.OpusSend <- pkt:
			c.rec.RecordFrameSent(ctx)
		case <-l.done:
			return
		}
	}
}

// StartDownlink decodes inbound frames on the current media path and pushes
// the PCM to sink, in arrival order. It blocks until [Client.Stop] is called,
// ctx is done, or the voice connection closes its receive channel, so it must
// run on its own goroutine.
//
// Without a media path it returns [ErrNotConnected]; a second concurrent
// consumer gets [ErrDownlinkActive].
func (c *Client) StartDownlink(ctx context.Context, sink audio.AudioSink) error {
	if sink == nil {
		return fmt.Errorf("discord: start downlink: nil sink")
	}

	c.mu.Lock()
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if l.downlink {
		c.mu.Unlock()
		return ErrDownlinkActive
	}
	l.downlink = true
	// Added under c.mu while l is current, so Stop's Wait cannot start first.
	l.wg.Add(1)
	c.mu.Unlock()
	defer l.wg.Done()

	recv := l.vc.OpusRecv
	for {
		select {
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-recv:
			if !ok {
				slog.Info("discord: voice receive channel closed")
				return nil
			}
			if pkt == nil {
				continue
			}

			start := time.Now()
			pcm, err := l.codec.Decode(pkt.Opus)
			c.rec.RecordCodecDuration(ctx, directionDownlink, time.Since(start))
			if err != nil {
				c.rec.RecordCodecError(ctx, directionDownlink)
				if n := l.decodeErrs.Add(1); n == 1 || n%codecErrorLogEvery == 0 {
					slog.Warn("discord: dropping frame after decode error", "ssrc", pkt.SSRC, "count", n, "err", err)
				}
				continue
			}

			sink.PushPCM(pcm)
			c.rec.RecordFrameReceived(ctx)
		}
	}
}

// ActiveChannel returns the handle of the joined channel, if any.
func (c *Client) ActiveChannel() (ChannelHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ChannelHandle{}, false
	}
	return c.link.handle, true
}

// Stop leaves the joined voice channel. When it returns, neither loop will
// pull or push another frame. Stop without a media path is a no-op.
func (c *Client) Stop() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l == nil {
		return nil
	}

	close(l.done)
	l.wg.Wait()

	setSpeaking(l.vc, false)
	if err := c.leave(l.vc); err != nil {
		return fmt.Errorf("discord: leave voice channel: %w", err)
	}
	slog.Info("discord: media path stopped", "guild", l.handle.GuildID, "channel", l.handle.ChannelID)
	return nil
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	if err := vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "err", err)
	}
}
