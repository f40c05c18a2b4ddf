package player

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxstream/internal/consumer"
	"github.com/MrWong99/voxstream/internal/streamer"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// Status is a snapshot of one session, published as player_update.
type Status struct {
	GuildID  string        `json:"guild_id"`
	Session  string        `json:"session_id"`
	State    string        `json:"state"`
	Playing  bool          `json:"playing"`
	Paused   bool          `json:"paused"`
	Volume   float64       `json:"volume"`
	Position time.Duration `json:"position"`
	TrackID  track.ID      `json:"track_id,omitempty"`
	Track    *audio.Track  `json:"track,omitempty"`
}

// Session is the playback session of one guild: a streamer controller plus
// the delivery strategy chosen for the owning client.
type Session struct {
	id        string
	guildID   string
	owner     string
	createdAt time.Time

	ctrl     *streamer.Controller
	strategy consumer.Strategy
	tracks   *track.Registry

	mu      sync.Mutex
	trackID track.ID
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// GuildID returns the guild the session plays in.
func (s *Session) GuildID() string { return s.guildID }

// Owner returns the id of the client that created the session.
func (s *Session) Owner() string { return s.owner }

// Controller returns the underlying streamer controller.
func (s *Session) Controller() *streamer.Controller { return s.ctrl }

// Strategy returns the delivery strategy.
func (s *Session) Strategy() consumer.Strategy { return s.strategy }

// Play starts the registered track id, replacing whatever is playing.
func (s *Session) Play(ctx context.Context, id track.ID) error {
	if s.tracks == nil {
		return fmt.Errorf("player: play %d: no track registry", id)
	}
	t, err := s.tracks.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("player: play %d: %w", id, err)
	}
	if err := s.ctrl.PlayTrack(ctx, t); err != nil {
		return fmt.Errorf("player: play %d: %w", id, err)
	}
	s.mu.Lock()
	s.trackID = id
	s.mu.Unlock()
	return nil
}

// PlayTrack starts an unregistered track.
func (s *Session) PlayTrack(ctx context.Context, t *audio.Track) error {
	if err := s.ctrl.PlayTrack(ctx, t); err != nil {
		return fmt.Errorf("player: play %q: %w", t.URI, err)
	}
	s.mu.Lock()
	s.trackID = 0
	s.mu.Unlock()
	return nil
}

// Pause pauses playback. It reports whether the state changed.
func (s *Session) Pause() bool { return s.ctrl.Pause() }

// Resume resumes playback. It reports whether the state changed.
func (s *Session) Resume() bool { return s.ctrl.Resume() }

// Stop ends the current track.
func (s *Session) Stop() { s.ctrl.Stop() }

// SetVolume sets the volume of the current track.
func (s *Session) SetVolume(v float64) { s.ctrl.SetVolume(v) }

// SetDefaultVolume sets the volume applied to every new track.
func (s *Session) SetDefaultVolume(v float64) { s.ctrl.SetDefaultVolume(v) }

// DefaultVolume returns the volume applied to every new track.
func (s *Session) DefaultVolume() float64 { return s.ctrl.DefaultVolume() }

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	state := s.ctrl.State()
	st := Status{
		GuildID:  s.guildID,
		Session:  s.id,
		State:    state.String(),
		Playing:  state == streamer.StatePlaying || state == streamer.StateBuffering,
		Paused:   s.ctrl.IsPaused(),
		Volume:   s.ctrl.Volume(),
		Position: s.ctrl.CurrentPosition(),
	}
	if state != streamer.StateIdle {
		st.Track = s.ctrl.CurrentTrack()
		s.mu.Lock()
		st.TrackID = s.trackID
		s.mu.Unlock()
	}
	return st
}

// close tears the session down: the live track ends with Cleanup and the
// strategy stops.
func (s *Session) close() {
	s.strategy.Stop()
	s.ctrl.Cleanup()
}
