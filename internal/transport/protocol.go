// Package transport implements the voxstream network channel: a WebSocket
// endpoint over which bot clients control playback sessions and, for clients
// that are not connected to a voice gateway themselves, receive Opus audio.
//
// Control traffic is JSON text messages wrapped in an [Envelope]. Audio is
// sent as binary messages: an 8-byte big-endian guild id followed by one Opus
// frame.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/MrWong99/voxstream/internal/player"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// Client feature flags advertised in [Hello].
const (
	// FeatureDiscordBot marks a client whose sessions are delivered through
	// the voice gateway rather than over this connection.
	FeatureDiscordBot = "IS_DISCORD_BOT"

	// FeatureFastAudio asks for fast-mode audio: frames are pushed as soon as
	// they are ready and the client paces playback itself.
	FeatureFastAudio = "UDP_ME_PLZ"
)

// Client → server message types.
const (
	TypeHello   = "hello"
	TypeResolve       = "resolve"
	TypeSearch        = "search"
	TypeTrackInfo     = "track_info"
	TypePlay          = "play"
	TypePause         = "pause"
	TypeResume        = "resume"
	TypeStop          = "stop"
	TypeVolume        = "volume"
	TypeDefaultVolume = "default_volume"
	TypeConnect       = "connect"
	TypeDestroy       = "destroy"
)

// Server → client message types.
const (
	TypeWelcome      = "welcome"
	TypeOK           = "ok"
	TypeError        = "error"
	TypeResolved     = "resolved"
	TypeSearchResult = "search_results"
	TypeTrackDetails = "track_details"
	TypeEvent        = "event"
	TypePlayerUpdate = "player_update"
	TypeStatistics   = "statistics"
	TypeCacheExpire  = "cache_expire"
)

// audioHeaderLen is the size of the guild id prefix of binary audio messages.
const audioHeaderLen = 8

// ErrBadGuildID is returned for guild ids that are not unsigned 64-bit
// snowflakes.
var ErrBadGuildID = errors.New("transport: guild id must be an unsigned 64-bit integer")

// Envelope wraps every JSON message. ID correlates replies with requests.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hello is the first message a client sends.
type Hello struct {
	ClientName    string   `json:"client_name,omitempty"`
	Features      []string `json:"features,omitempty"`
	DefaultVolume float64  `json:"default_volume,omitempty"`
}

// Has reports whether the client advertised feature.
func (h Hello) Has(feature string) bool {
	return slices.Contains(h.Features, feature)
}

// Welcome acknowledges [Hello].
type Welcome struct {
	ClientID string `json:"client_id"`
	Delivery string `json:"delivery"`
}

// ResolveRequest asks the server to resolve a URL or search query.
type ResolveRequest struct {
	Query string `json:"query"`
}

// Resolved answers [ResolveRequest].
type Resolved struct {
	TrackID track.ID     `json:"track_id"`
	Track   *audio.Track `json:"track"`
}

// SearchRequest asks for up to Limit candidates for a free-text query.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`

	// Details asks for a track_details message per result after the
	// search_results reply.
	Details bool `json:"details,omitempty"`
}

// SearchResults answers [SearchRequest] in provider order.
type SearchResults struct {
	TrackIDs []track.ID `json:"track_ids"`
}

// TrackInfoRequest asks for the metadata of a resolved track.
type TrackInfoRequest struct {
	TrackID track.ID `json:"track_id"`
}

// TrackDetails answers [TrackInfoRequest] and detailed searches.
type TrackDetails = Resolved

// DefaultVolumeRequest changes the volume the client's sessions apply at the
// start of every track. Zero restores the server default.
type DefaultVolumeRequest struct {
	Volume float64 `json:"volume"`
}

// GuildRequest addresses a guild's session (pause, resume, stop, destroy).
type GuildRequest struct {
	GuildID string `json:"guild_id"`
}

// PlayRequest starts a resolved track.
type PlayRequest struct {
	GuildID string   `json:"guild_id"`
	TrackID track.ID `json:"track_id"`
}

// VolumeRequest changes the volume of the current track.
type VolumeRequest struct {
	GuildID string  `json:"guild_id"`
	Volume  float64 `json:"volume"`
}

// ConnectRequest joins a voice channel through the gateway.
type ConnectRequest struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// ErrorReply reports a failed request.
type ErrorReply struct {
	Message string `json:"message"`
}

// EventMessage forwards a playback lifecycle event.
type EventMessage struct {
	GuildID  string       `json:"guild_id"`
	Event    string       `json:"event"`
	Reason   string       `json:"reason,omitempty"`
	Severity string       `json:"severity,omitempty"`
	Message  string       `json:"message,omitempty"`
	Track    *audio.Track `json:"track,omitempty"`
}

// CacheExpire lists evicted tracks. TrackIDs are no longer valid and must be
// resolved again; URIs also covers tracks this process never registered.
type CacheExpire struct {
	TrackIDs []track.ID `json:"track_ids"`
	URIs     []string   `json:"uris,omitempty"`
}

// PlayerUpdate is sent periodically for every session of the client.
type PlayerUpdate = player.Status

// Statistics is sent periodically to every client.
type Statistics = player.Stats

func newEventMessage(e audio.Event) EventMessage {
	m := EventMessage{
		GuildID: e.GuildID,
		Event:   e.Type.String(),
		Track:   e.Track,
	}
	switch e.Type {
	case audio.EventTrackEnded:
		m.Reason = e.Reason.String()
	case audio.EventTrackFailed:
		m.Severity = e.Severity.String()
		m.Message = e.Message
	}
	return m
}

// encodeEnvelope marshals v into an envelope of type typ.
func encodeEnvelope(typ, id string, v any) ([]byte, error) {
	env := Envelope{Type: typ, ID: id}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal %s: %w", typ, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// ParseGuildID converts a snowflake string to its numeric form.
func ParseGuildID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadGuildID, s)
	}
	return id, nil
}

// EncodeAudio builds a binary audio message.
func EncodeAudio(guildID uint64, frame []byte) []byte {
	b := make([]byte, audioHeaderLen+len(frame))
	binary.BigEndian.PutUint64(b, guildID)
	copy(b[audioHeaderLen:], frame)
	return b
}

// DecodeAudio splits a binary audio message into guild id and Opus frame.
func DecodeAudio(b []byte) (uint64, []byte, error) {
	if len(b) < audioHeaderLen {
		return 0, nil, fmt.Errorf("transport: audio message too short (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint64(b), b[audioHeaderLen:], nil
}
