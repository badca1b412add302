package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/pianobridge/pkg/audio"
	"github.com/MrWong99/pianobridge/pkg/audio/opus"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

// fakeSession implements gatewaySession without any network access.
type fakeSession struct {
	mu sync.Mutex

	// SendReady controls whether Open fires the registered Ready handler.
	SendReady bool
	OpenErr   error
	JoinErr   error
	JoinVC    *discordgo.VoiceConnection

	Guilds   []*discordgo.UserGuild
	Channels map[string][]*discordgo.Channel

	handlers []func(*discordgo.Session, *discordgo.Ready)

	CallCountOpen          int
	CallCountClose         int
	CallCountUserGuilds    int
	CallCountGuildChannels int
	CallCountJoin          int
	PresenceStatus         []string
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	f.CallCountOpen++
	err := f.OpenErr
	send := f.SendReady
	hs := append([]func(*discordgo.Session, *discordgo.Ready){}, f.handlers...)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if send {
		for _, h := range hs {
			go h(nil, &discordgo.Ready{User: &discordgo.User{Username: "pianobot"}})
		}
	}
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCountClose++
	return nil
}

func (f *fakeSession) AddHandler(handler interface{}) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := handler.(func(*discordgo.Session, *discordgo.Ready)); ok {
		f.handlers = append(f.handlers, h)
	}
	return func() {}
}

func (f *fakeSession) UserGuilds(limit int, _, afterID string, _ bool, _ ...discordgo.RequestOption) ([]*discordgo.UserGuild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCountUserGuilds++
	start := 0
	if afterID != "" {
		for i, g := range f.Guilds {
			if g.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(f.Guilds))
	return f.Guilds[start:end], nil
}

func (f *fakeSession) GuildChannels(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCountGuildChannels++
	return f.Channels[guildID], nil
}

func (f *fakeSession) ChannelVoiceJoin(_, _ string, _, _ bool) (*discordgo.VoiceConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCountJoin++
	if f.JoinErr != nil {
		return f.JoinVC, f.JoinErr
	}
	return f.JoinVC, nil
}

func (f *fakeSession) UpdateGameStatus(_ int, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PresenceStatus = append(f.PresenceStatus, name)
	return nil
}

type countingRecorder struct {
	sent, received, codecErrs atomic.Int64
}

func (r *countingRecorder) RecordFrameSent(context.Context)     { r.sent.Add(1) }
func (r *countingRecorder) RecordFrameReceived(context.Context) { r.received.Add(1) }
func (r *countingRecorder) RecordCodecError(context.Context, string) {
	r.codecErrs.Add(1)
}
func (r *countingRecorder) RecordCodecDuration(context.Context, string, time.Duration) {}

// ─── helpers ─────────────────────────────────────────────────────────────────

func newFakeVC() *discordgo.VoiceConnection {
	return &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, 16),
		OpusRecv: make(chan *discordgo.Packet, 16),
	}
}

// newTestClient connects a Client against a ready-firing fake session.
func newTestClient(t *testing.T, fs *fakeSession, opts ...Option) *Client {
	t.Helper()
	fs.SendReady = true
	c, err := connect(context.Background(), fs, Config{Token: "t", ReadyTimeout: time.Second, Status: "piano"}, opts...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.leave = func(*discordgo.VoiceConnection) error { return nil }
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func guild(id, name string) *discordgo.UserGuild {
	return &discordgo.UserGuild{ID: id, Name: name}
}

func voiceChannel(id, name string) *discordgo.Channel {
	return &discordgo.Channel{ID: id, Name: name, Type: discordgo.ChannelTypeGuildVoice}
}

// ─── connect ─────────────────────────────────────────────────────────────────

func TestConnect_WaitsForReady(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{}
	c := newTestClient(t, fs)

	if c.User() != "pianobot" {
		t.Errorf("User = %q, want %q", c.User(), "pianobot")
	}
	if !c.Connected() {
		t.Error("Connected = false after successful connect")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.PresenceStatus) != 1 || fs.PresenceStatus[0] != "piano" {
		t.Errorf("presence = %v, want [piano]", fs.PresenceStatus)
	}
}

func TestConnect_ReadyTimeout(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{}
	_, err := connect(context.Background(), fs, Config{Token: "t", ReadyTimeout: 20 * time.Millisecond})

	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	if !errors.Is(err, ErrReadyTimeout) {
		t.Errorf("err = %v, want ErrReadyTimeout", err)
	}
	if fs.CallCountClose != 1 {
		t.Errorf("Close calls = %d, want 1", fs.CallCountClose)
	}
}

func TestConnect_OpenFails(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{SendReady: true, OpenErr: errors.New("bad token")}
	_, err := connect(context.Background(), fs, Config{Token: "t"})

	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Op != "open" {
		t.Fatalf("err = %v, want ConnectError{Op: open}", err)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fs := &fakeSession{}
	_, err := connect(ctx, fs, Config{Token: "t", ReadyTimeout: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestConnect_EmptyToken(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
}

// ─── discovery ───────────────────────────────────────────────────────────────

func TestDiscoverChannels_LabelsVoiceChannelsOnly(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{
		Guilds: []*discordgo.UserGuild{guild("g1", "Home"), guild("g2", "Band")},
		Channels: map[string][]*discordgo.Channel{
			"g1": {voiceChannel("c1", "General"), {ID: "t1", Name: "chat", Type: discordgo.ChannelTypeGuildText}},
			"g2": {voiceChannel("c2", "Stage")},
		},
	}
	c := newTestClient(t, fs)

	got, err := c.DiscoverChannels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverChannels: %v", err)
	}
	want := map[string]ChannelHandle{
		"Home->General": {GuildID: "g1", ChannelID: "c1"},
		"Band->Stage":   {GuildID: "g2", ChannelID: "c2"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d channels, want %d: %v", len(got), len(want), got)
	}
	for label, h := range want {
		if got[label] != h {
			t.Errorf("%q = %+v, want %+v", label, got[label], h)
		}
	}
}

func TestDiscoverChannels_Idempotent(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{
		Guilds:   []*discordgo.UserGuild{guild("g1", "Home")},
		Channels: map[string][]*discordgo.Channel{"g1": {voiceChannel("c1", "General")}},
	}
	c := newTestClient(t, fs)

	first, err := c.DiscoverChannels(context.Background())
	if err != nil {
		t.Fatalf("first DiscoverChannels: %v", err)
	}
	first["injected"] = ChannelHandle{GuildID: "x", ChannelID: "y"}

	second, err := c.DiscoverChannels(context.Background())
	if err != nil {
		t.Fatalf("second DiscoverChannels: %v", err)
	}
	if len(second) != 1 || second["Home->General"] != (ChannelHandle{GuildID: "g1", ChannelID: "c1"}) {
		t.Errorf("second = %v, want the first mapping", second)
	}
	if fs.CallCountUserGuilds != 1 || fs.CallCountGuildChannels != 1 {
		t.Errorf("REST calls = %d guilds / %d channels, want 1/1", fs.CallCountUserGuilds, fs.CallCountGuildChannels)
	}
}

func TestDiscoverChannels_LastWriteWins(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{
		Guilds: []*discordgo.UserGuild{guild("g1", "Same"), guild("g2", "Same")},
		Channels: map[string][]*discordgo.Channel{
			"g1": {voiceChannel("c1", "Room")},
			"g2": {voiceChannel("c2", "Room")},
		},
	}
	c := newTestClient(t, fs)

	got, err := c.DiscoverChannels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverChannels: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d labels, want 1", len(got))
	}
	if h := got["Same->Room"]; h.GuildID != "g2" || h.ChannelID != "c2" {
		t.Errorf("Same->Room = %+v, want the later guild g2/c2", h)
	}
}

func TestDiscoverChannels_Paginates(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{Channels: map[string][]*discordgo.Channel{}}
	for i := range guildPageSize + 3 {
		id := fmt.Sprintf("g%03d", i)
		fs.Guilds = append(fs.Guilds, guild(id, id))
		fs.Channels[id] = []*discordgo.Channel{voiceChannel("c"+id, "v")}
	}
	c := newTestClient(t, fs)

	got, err := c.DiscoverChannels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverChannels: %v", err)
	}
	if len(got) != guildPageSize+3 {
		t.Errorf("got %d channels, want %d", len(got), guildPageSize+3)
	}
	if fs.CallCountUserGuilds != 2 {
		t.Errorf("UserGuilds calls = %d, want 2", fs.CallCountUserGuilds)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{
		Guilds:   []*discordgo.UserGuild{guild("g1", "Home")},
		Channels: map[string][]*discordgo.Channel{"g1": {voiceChannel("c1", "General")}},
	}
	c := newTestClient(t, fs)
	if _, err := c.DiscoverChannels(context.Background()); err != nil {
		t.Fatalf("DiscoverChannels: %v", err)
	}

	h, err := c.Resolve("Home->General")
	if err != nil || h.ChannelID != "c1" {
		t.Fatalf("Resolve = %+v, %v; want c1", h, err)
	}

	_, err = c.Resolve("Home->Gone")
	var nf *ChannelNotFoundError
	if !errors.As(err, &nf) || nf.Label != "Home->Gone" {
		t.Fatalf("Resolve missing = %v, want ChannelNotFoundError", err)
	}
}

// ─── media path ──────────────────────────────────────────────────────────────

func TestStartUplink_JoinFailureLeavesNothing(t *testing.T) {
	t.Parallel()

	vc := newFakeVC()
	fs := &fakeSession{JoinVC: vc, JoinErr: errors.New("voice timeout")}
	c := newTestClient(t, fs)
	var leaves atomic.Int32
	c.leave = func(*discordgo.VoiceConnection) error {
		leaves.Add(1)
		return nil
	}

	err := c.StartUplink(context.Background(), ChannelHandle{GuildID: "g", ChannelID: "c"}, audio.SourceFunc(func([]int16) {}))
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	if _, ok := c.ActiveChannel(); ok {
		t.Error("media path registered after failed join")
	}
	if leaves.Load() != 1 {
		t.Errorf("leave calls = %d, want 1", leaves.Load())
	}
}

func TestStartUplink_InvalidHandle(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{JoinVC: newFakeVC()}
	c := newTestClient(t, fs)

	err := c.StartUplink(context.Background(), ChannelHandle{}, audio.SourceFunc(func([]int16) {}))
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	if fs.CallCountJoin != 0 {
		t.Errorf("join attempted with invalid handle")
	}
}

func TestStartUplink_SendsEncodedFrames(t *testing.T) {
	t.Parallel()

	vc := newFakeVC()
	fs := &fakeSession{JoinVC: vc}
	rec := &countingRecorder{}
	c := newTestClient(t, fs, WithRecorder(rec))

	var pulls atomic.Int64
	src := audio.SourceFunc(func(buf []int16) {
		pulls.Add(1)
		if len(buf) != 1920 {
			t.Errorf("pull buffer length = %d, want 1920", len(buf))
		}
		clear(buf)
	})
	if err := c.StartUplink(context.Background(), ChannelHandle{GuildID: "g", ChannelID: "c"}, src); err != nil {
		t.Fatalf("StartUplink: %v", err)
	}

	dec, err := opus.New(48000)
	if err != nil {
		t.Fatalf("opus.New: %v", err)
	}
	for i := range 3 {
		select {
		case pkt := <-vc.OpusSend:
			pcm, err := dec.Decode(pkt)
			if err != nil {
				t.Fatalf("frame %d: decode: %v", i, err)
			}
			if len(pcm) != 1920 {
				t.Fatalf("frame %d: %d samples, want 1920", i, len(pcm))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not sent", i)
		}
	}

	err = c.StartUplink(context.Background(), ChannelHandle{GuildID: "g", ChannelID: "c"}, src)
	if !errors.Is(err, ErrUplinkActive) {
		t.Errorf("second StartUplink = %v, want ErrUplinkActive", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	after := pulls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := pulls.Load(); got != after {
		t.Errorf("pulls after Stop: %d -> %d", after, got)
	}
	if rec.sent.Load() < 3 {
		t.Errorf("frames sent metric = %d, want >= 3", rec.sent.Load())
	}
}

func TestStartDownlink_DecodesAndPushes(t *testing.T) {
	t.Parallel()

	vc := newFakeVC()
	fs := &fakeSession{JoinVC: vc}
	rec := &countingRecorder{}
	c := newTestClient(t, fs, WithRecorder(rec))

	// Block the uplink so it does not compete for the test's attention.
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	src := audio.SourceFunc(func([]int16) { <-release })
	if err := c.StartUplink(context.Background(), ChannelHandle{GuildID: "g", ChannelID: "c"}, src); err != nil {
		t.Fatalf("StartUplink: %v", err)
	}

	enc, err := opus.New(48000)
	if err != nil {
		t.Fatalf("opus.New: %v", err)
	}
	pkt, err := enc.Encode(make([]int16, 1920))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	pushed := make(chan []int16, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.StartDownlink(context.Background(), audio.SinkFunc(func(pcm []int16) { pushed <- pcm }))
	}()

	vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: pkt}
	vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: nil} // dropped
	vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: pkt}

	for i := range 2 {
		select {
		case pcm := <-pushed:
			if len(pcm) != 1920 {
				t.Fatalf("push %d: %d samples, want 1920", i, len(pcm))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("push %d not delivered", i)
		}
	}

	// A second consumer is rejected while the first is running.
	if err := c.StartDownlink(context.Background(), audio.SinkFunc(func([]int16) {})); !errors.Is(err, ErrDownlinkActive) {
		t.Errorf("second StartDownlink = %v, want ErrDownlinkActive", err)
	}

	once.Do(func() { close(release) })
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("StartDownlink returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartDownlink did not return after Stop")
	}
	if rec.codecErrs.Load() != 1 {
		t.Errorf("codec errors = %d, want 1", rec.codecErrs.Load())
	}
	if rec.received.Load() != 2 {
		t.Errorf("frames received = %d, want 2", rec.received.Load())
	}
}

func TestStartDownlink_EndsWhenReceiveChannelCloses(t *testing.T) {
	t.Parallel()

	vc := newFakeVC()
	c := newTestClient(t, &fakeSession{JoinVC: vc})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	if err := c.StartUplink(context.Background(), ChannelHandle{GuildID: "g", ChannelID: "c"}, audio.SourceFunc(func([]int16) { <-release })); err != nil {
		t.Fatalf("StartUplink: %v", err)
	}

	close(vc.OpusRecv)
	if err := c.StartDownlink(context.Background(), audio.SinkFunc(func([]int16) {})); err != nil {
		t.Errorf("StartDownlink = %v, want nil on closed channel", err)
	}
}

func TestStartDownlink_NotConnected(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &fakeSession{})
	err := c.StartDownlink(context.Background(), audio.SinkFunc(func([]int16) {}))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &fakeSession{JoinVC: newFakeVC()})
	for i := range 3 {
		if err := c.Stop(); err != nil {
			t.Fatalf("Stop[%d] without media path: %v", i, err)
		}
	}
}

func TestClose_ClosesSessionOnce(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{JoinVC: newFakeVC()}
	c := newTestClient(t, fs)
	for range 2 {
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if c.Connected() {
		t.Error("Connected = true after Close")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.CallCountClose != 1 {
		t.Errorf("session Close calls = %d, want 1", fs.CallCountClose)
	}
	err := c.StartUplink(context.Background(), ChannelHandle{GuildID: "g", ChannelID: "c"}, audio.SourceFunc(func([]int16) {}))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartUplink after Close = %v, want ErrNotConnected", err)
	}
}
