// Package audio defines the shared vocabulary of the voxstream playback
// pipeline: the fixed PCM/Opus frame format, the [Track] handle, the
// [FrameSource] pull contract used by delivery strategies, and the lifecycle
// [Event] values emitted by a playback session.
//
// Frame format constants live here rather than in the streamer so that
// adapters (Discord gateway peer, network transport, codec wrapper) can agree
// on them without importing the pipeline.
//
// This package lives under pkg/ because external code (alternative gateway
// peers or codecs) is expected to implement [FrameSource] consumers and speak
// in these types.
package audio

import "fmt"

// EventType classifies playback lifecycle events.
type EventType int

const (
	// EventTrackStarted is emitted once per track, when initial buffering
	// completes and frames may flow.
	EventTrackStarted EventType = iota

	// EventTrackEnded is emitted once per track when it stops for any reason.
	// See [EndReason].
	EventTrackEnded

	// EventTrackFailed reports a fault or a suspicious condition. See
	// [Severity]. A suspicious failure does not end the track.
	EventTrackFailed

	// EventPaused is emitted when playback is paused.
	EventPaused

	// EventResumed is emitted when playback is resumed.
	EventResumed
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventTrackStarted:
		return "TRACK_STARTED"
	case EventTrackEnded:
		return "TRACK_ENDED"
	case EventTrackFailed:
		return "TRACK_FAILED"
	case EventPaused:
		return "PAUSED"
	case EventResumed:
		return "RESUMED"
	default:
		return "UNKNOWN"
	}
}

// EndReason explains why a track ended.
type EndReason int

const (
	// EndFinished means the source was exhausted and every frame delivered.
	EndFinished EndReason = iota

	// EndStopped means Stop was called while the track was live.
	EndStopped

	// EndReplaced means another track was started on the same session.
	EndReplaced

	// EndLoadFailed means the source could not be opened or failed fatally.
	EndLoadFailed

	// EndCleanup means the owning session was destroyed.
	EndCleanup
)

// String returns the human-readable name of the end reason.
func (r EndReason) String() string {
	switch r {
	case EndFinished:
		return "FINISHED"
	case EndStopped:
		return "STOPPED"
	case EndReplaced:
		return "REPLACED"
	case EndLoadFailed:
		return "LOAD_FAILED"
	case EndCleanup:
		return "CLEANUP"
	default:
		return "UNKNOWN"
	}
}

// Severity grades a [EventTrackFailed] event.
type Severity int

const (
	// SeveritySuspicious is non-fatal: playback continues.
	SeveritySuspicious Severity = iota

	// SeverityFault is fatal for the track.
	SeverityFault
)

// String returns the human-readable name of the severity.
func (s Severity) String() string {
	switch s {
	case SeveritySuspicious:
		return "SUSPICIOUS"
	case SeverityFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// Event describes a playback lifecycle change of a single session.
type Event struct {
	// Type is the kind of event.
	Type EventType

	// GuildID identifies the session that emitted the event.
	GuildID string

	// Track is the track the event refers to. May be nil for Paused/Resumed
	// when nothing is loaded.
	Track *Track

	// Reason is set for [EventTrackEnded].
	Reason EndReason

	// Severity and Message are set for [EventTrackFailed].
	Severity Severity
	Message  string
}

// String renders the event for logs.
func (e Event) String() string {
	title := ""
	if e.Track != nil {
		title = e.Track.Title
	}
	switch e.Type {
	case EventTrackEnded:
		return fmt.Sprintf("%s(%s) guild=%s track=%q", e.Type, e.Reason, e.GuildID, title)
	case EventTrackFailed:
		return fmt.Sprintf("%s(%s) guild=%s track=%q: %s", e.Type, e.Severity, e.GuildID, title, e.Message)
	default:
		return fmt.Sprintf("%s guild=%s track=%q", e.Type, e.GuildID, title)
	}
}

// Listener receives lifecycle events. Listeners are invoked synchronously on
// the emitting goroutine and must not block.
type Listener func(Event)
