package pipeline

import (
	"github.com/realtime-ai/nodeplayer/pkg/looper"
	"github.com/realtime-ai/nodeplayer/pkg/media"
)

// Stage is one pipeline element. Pulls never block: an empty port yields
// media.ErrNotAvailable and callers poll.
type Stage interface {
	Init(meta media.Metadata) error
	Release() error
	PushBuffer(b *media.Buffer, port Port) error
	PullBuffer(port Port) (*media.Buffer, error)
	RunCommand(cmd Command, opts media.Metadata) error
	QueryFormat(port Port) media.Metadata
	QueryStub() *Stub
	SetEventLooper(p EventPoster)
	State() State
}

// Demuxer is the root stage. Packets are pulled per track instead of per port.
type Demuxer interface {
	Stage
	PullPacket(track media.TrackType) (*media.Buffer, error)
	CountTracks(track media.TrackType) int
	SelectTrack(index int, track media.TrackType) error
	// QueryTrackUsed returns the selected track index, or -1.
	QueryTrackUsed(track media.TrackType) int
	QueryTrackMeta(index int, track media.TrackType) (media.Metadata, error)
	// QueryDuration returns the stream duration in microseconds.
	QueryDuration() int64
}

// EventPoster accepts asynchronous events raised by stages, such as
// end of stream or an unrecoverable error.
type EventPoster interface {
	PostEvent(ev looper.Event) error
}

// Linker is implemented by stages that propagate lifecycle commands to the
// stage after them. The registry links stages as chains are appended.
type Linker interface {
	LinkNext(next Stage)
}

// CompletionEvent is posted by a sink when it renders the end-of-stream
// sentinel for track. Arg1 carries the line.
func CompletionEvent(track media.TrackType) looper.Event {
	ev := looper.NewEvent(looper.EventPlaybackComplete)
	ev.Arg1 = int32(LineForTrack(track))
	return ev
}
