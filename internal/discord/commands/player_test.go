package commands

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxstream/internal/consumer"
	"github.com/MrWong99/voxstream/internal/discord"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/player"
	"github.com/MrWong99/voxstream/internal/streamer"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fetcherFunc func(ctx context.Context, uri string) (io.ReadCloser, error)

func (f fetcherFunc) Start(ctx context.Context, uri string) (io.ReadCloser, error) {
	return f(ctx, uri)
}

type resolverFunc func(ctx context.Context, query string) (*audio.Track, error)

func (f resolverFunc) Resolve(ctx context.Context, query string) (*audio.Track, error) {
	return f(ctx, query)
}

type nopEncoder struct{}

func (nopEncoder) Encode([]int16) ([]byte, error) { return []byte{1}, nil }
func (nopEncoder) Reset() error                   { return nil }

type nopPeer struct{}

func (nopPeer) Attach(audio.FrameSource) {}
func (nopPeer) Detach()                  {}

type fakeVoice struct {
	mu      sync.Mutex
	joinErr error
	joins   []string
	leaves  []string
}

func (v *fakeVoice) Join(_ context.Context, guildID, channelID string) (consumer.GatewayPeer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.joinErr != nil {
		return nil, v.joinErr
	}
	v.joins = append(v.joins, guildID+"/"+channelID)
	return nopPeer{}, nil
}

func (v *fakeVoice) Leave(guildID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaves = append(v.leaves, guildID)
}

func newTestCommands(t *testing.T, voice *fakeVoice) (*PlayerCommands, *player.Manager) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	reg := track.NewRegistry(nil)
	mgr := player.NewManager(player.Config{
		Streamer: streamer.Config{
			Fetcher: fetcherFunc(func(context.Context, string) (io.ReadCloser, error) {
				pr, pw := io.Pipe()
				t.Cleanup(func() { _ = pw.Close() })
				return pr, nil
			}),
			NewEncoder: func() (streamer.Encoder, error) { return nopEncoder{}, nil },
			Metrics:    m,
		},
		Tracks:  reg,
		Metrics: m,
	})
	t.Cleanup(func() { mgr.DestroyAll(context.Background()) })

	resolver := resolverFunc(func(_ context.Context, q string) (*audio.Track, error) {
		if q == "nothing" {
			return nil, errors.New("no results")
		}
		return &audio.Track{URI: "https://example.com/" + q, Title: q}, nil
	})
	pc := newPlayerCommands(Config{
		Voice:         voice,
		Manager:       mgr,
		Tracks:        track.NewService(resolver, reg),
		Access:        discord.NewAccess(""),
		DefaultVolume: 0.3,
	})
	return pc, mgr
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestPlay_JoinsAndStarts(t *testing.T) {
	t.Parallel()
	voice := &fakeVoice{}
	pc, mgr := newTestCommands(t, voice)

	tr, err := pc.play(context.Background(), "g1", "c1", "song")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if tr.Title != "song" {
		t.Errorf("track = %q", tr.Title)
	}
	if len(voice.joins) != 1 || voice.joins[0] != "g1/c1" {
		t.Errorf("joins = %v", voice.joins)
	}

	s, ok := mgr.Get("g1")
	if !ok {
		t.Fatal("no session")
	}
	if s.Owner() != Owner {
		t.Errorf("owner = %q, want %q", s.Owner(), Owner)
	}
	gw, ok := s.Strategy().(*consumer.Gateway)
	if !ok || gw.Peer() == nil {
		t.Errorf("strategy = %T without peer", s.Strategy())
	}
	if st := s.Status(); st.Track == nil || st.Track.Title != "song" || st.Volume != 0.3 {
		t.Errorf("status = %+v", st)
	}
}

func TestPlay_Failures(t *testing.T) {
	t.Parallel()

	voice := &fakeVoice{joinErr: errors.New("missing permissions")}
	pc, mgr := newTestCommands(t, voice)

	if _, err := pc.play(context.Background(), "g", "c", "nothing"); err == nil || !strings.Contains(err.Error(), "no results") {
		t.Errorf("resolve failure: err = %v", err)
	}
	if mgr.Len() != 0 {
		t.Error("session created for an unresolvable query")
	}
	if _, err := pc.play(context.Background(), "g", "c", "song"); err == nil || !strings.Contains(err.Error(), "missing permissions") {
		t.Errorf("join failure: err = %v", err)
	}
}

func TestSetDefaultVolume(t *testing.T) {
	t.Parallel()
	pc, mgr := newTestCommands(t, &fakeVoice{})
	pc.SetDefaultVolume(0.8)

	if _, err := pc.play(context.Background(), "g", "c", "song"); err != nil {
		t.Fatalf("play: %v", err)
	}
	s, _ := mgr.Get("g")
	if v := s.Controller().DefaultVolume(); v != 0.8 {
		t.Errorf("default volume = %v, want 0.8", v)
	}
}

func TestGuildOperations(t *testing.T) {
	t.Parallel()
	voice := &fakeVoice{}
	pc, mgr := newTestCommands(t, voice)
	ctx := context.Background()

	if _, err := pc.volume("g", 50); !errors.Is(err, player.ErrNoSession) {
		t.Errorf("volume without session: err = %v", err)
	}
	if _, err := pc.play(ctx, "g", "c", "song"); err != nil {
		t.Fatalf("play: %v", err)
	}
	s, _ := mgr.Get("g")

	if got := pc.pause(ctx, s); got != "Paused." {
		t.Errorf("pause = %q", got)
	}
	if got := pc.pause(ctx, s); got != "Playback is already paused." {
		t.Errorf("second pause = %q", got)
	}
	if got := pc.resume(ctx, s); got != "Resumed." {
		t.Errorf("resume = %q", got)
	}
	if got, err := pc.volume("g", 150); err != nil || got != "Volume set to 150%." {
		t.Errorf("volume = %q, %v", got, err)
	}
	if got := pc.leave(ctx, s); got != "Left the voice channel." {
		t.Errorf("leave = %q", got)
	}
	if mgr.Len() != 0 || len(voice.leaves) != 1 {
		t.Errorf("after leave: sessions=%d leaves=%v", mgr.Len(), voice.leaves)
	}
}

func TestDefinitions_HaveHandlers(t *testing.T) {
	t.Parallel()
	pc, _ := newTestCommands(t, &fakeVoice{})
	r := discord.NewRouter()
	pc.Register(r)

	names := map[string]bool{}
	for _, c := range r.Definitions() {
		names[c.Name] = true
	}
	for _, want := range []string{"play", "pause", "resume", "stop", "leave", "volume", "nowplaying"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}

func TestInteractionUserID(t *testing.T) {
	t.Parallel()

	member := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Member: &discordgo.Member{User: &discordgo.User{ID: "m"}},
	}}
	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: &discordgo.User{ID: "u"}}}
	if got := interactionUserID(member); got != "m" {
		t.Errorf("member id = %q", got)
	}
	if got := interactionUserID(dm); got != "u" {
		t.Errorf("user id = %q", got)
	}
	if got := interactionUserID(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}); got != "" {
		t.Errorf("empty id = %q", got)
	}
}
