package looper

import "github.com/google/uuid"

// CommandKind identifies a request addressed to the handler.
type CommandKind int

const (
	CmdNop CommandKind = iota
	CmdSetDataSource
	CmdPrepare
	CmdStart
	CmdPause
	CmdStop
	CmdReset
	CmdSeek
	CmdSetLooping
	CmdWriteData
)

var commandNames = map[CommandKind]string{
	CmdNop:           "nop",
	CmdSetDataSource: "set_data_source",
	CmdPrepare:       "prepare",
	CmdStart:         "start",
	CmdPause:         "pause",
	CmdStop:          "stop",
	CmdReset:         "reset",
	CmdSeek:          "seek",
	CmdSetLooping:    "set_looping",
	CmdWriteData:     "write_data",
}

func (k CommandKind) String() string {
	if s, ok := commandNames[k]; ok {
		return s
	}
	return "command(unknown)"
}

// EventKind identifies a notification raised inside the pipeline.
type EventKind int

const (
	EventNop EventKind = iota
	EventPrepared
	EventStarted
	EventPaused
	EventStopped
	EventSeekAsync
	EventSeekComplete
	EventPlaybackComplete
	EventError
	EventInfo
)

var eventNames = map[EventKind]string{
	EventNop:              "nop",
	EventPrepared:         "prepared",
	EventStarted:          "started",
	EventPaused:           "paused",
	EventStopped:          "stopped",
	EventSeekAsync:        "seek_async",
	EventSeekComplete:     "seek_complete",
	EventPlaybackComplete: "playback_complete",
	EventError:            "error",
	EventInfo:             "info",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "event(unknown)"
}

// Message is either a Command or an Event.
type Message interface {
	MessageID() uuid.UUID
	isMessage()
}

// Command is a request dispatched to Handler.OnCommand.
type Command struct {
	Kind  CommandKind
	Arg32 int32
	Arg64 int64
	Data  any

	id   uuid.UUID
	done chan error
}

func NewCommand(kind CommandKind) Command {
	return Command{Kind: kind}
}

func (c Command) MessageID() uuid.UUID { return c.id }
func (Command) isMessage()             {}

// Event is a notification dispatched to Handler.OnEvent.
type Event struct {
	Kind  EventKind
	Arg1  int32
	Arg2  int32
	Arg64 int64
	Data  any

	id uuid.UUID
}

func NewEvent(kind EventKind) Event {
	return Event{Kind: kind}
}

func (e Event) MessageID() uuid.UUID { return e.id }
func (Event) isMessage()             {}

// Handler receives messages on the looper goroutine, one at a time.
type Handler interface {
	OnCommand(cmd Command) error
	OnEvent(ev Event)
}
