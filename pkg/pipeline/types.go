package pipeline

import (
	"fmt"

	"github.com/realtime-ai/nodeplayer/pkg/media"
)

// StageType is the role a stage plays in a chain.
type StageType int

const (
	StageDemuxer StageType = iota
	StageDecoder
	StageEncoder
	StageSink
)

var stageTypes = []StageType{StageDemuxer, StageDecoder, StageEncoder, StageSink}

func (t StageType) String() string {
	switch t {
	case StageDemuxer:
		return "demuxer"
	case StageDecoder:
		return "decoder"
	case StageEncoder:
		return "encoder"
	case StageSink:
		return "sink"
	default:
		return fmt.Sprintf("stage_type(%d)", int(t))
	}
}

// Line is a media track category with its own chain.
type Line int

const (
	LineRoot Line = iota
	LineVideo
	LineAudio
	LineSubtitle
	numLines
)

// Lines lists every line in fan-out order.
var Lines = []Line{LineRoot, LineVideo, LineAudio, LineSubtitle}

// MediaLines are the lines built from demuxer tracks.
var MediaLines = []Line{LineVideo, LineAudio}

func (l Line) String() string {
	switch l {
	case LineRoot:
		return "root"
	case LineVideo:
		return "video"
	case LineAudio:
		return "audio"
	case LineSubtitle:
		return "subtitle"
	default:
		return fmt.Sprintf("line(%d)", int(l))
	}
}

// Role is the token stubs are matched against.
func (l Line) Role() string {
	return l.String()
}

func (l Line) Track() media.TrackType {
	switch l {
	case LineVideo:
		return media.TrackVideo
	case LineAudio:
		return media.TrackAudio
	case LineSubtitle:
		return media.TrackSubtitle
	default:
		return media.TrackNone
	}
}

func LineForTrack(t media.TrackType) Line {
	switch t {
	case media.TrackVideo:
		return LineVideo
	case media.TrackAudio:
		return LineAudio
	case media.TrackSubtitle:
		return LineSubtitle
	default:
		return LineRoot
	}
}

// Port selects the input or output side of a stage.
type Port int

const (
	PortInput Port = iota
	PortOutput
)

func (p Port) String() string {
	if p == PortInput {
		return "input"
	}
	return "output"
}

// Command is a lifecycle request fanned out to stages.
type Command int

const (
	CmdInit Command = iota
	CmdPrepare
	CmdStart
	CmdPause
	CmdStop
	CmdFlush
	CmdReset
	CmdSeek
)

var commandNames = []string{"init", "prepare", "start", "pause", "stop", "flush", "reset", "seek"}

func (c Command) String() string {
	if c >= 0 && int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// State is a stage lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StatePrepared
	StateStarted
	StatePaused
	StateStopped
	StateSeeking
	StateError
)

var stateNames = []string{"idle", "initialized", "prepared", "started", "paused", "stopped", "seeking", "error"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var stateTransitions = map[State][]State{
	StateIdle:        {StateInitialized},
	StateInitialized: {StatePrepared, StateStopped, StateIdle},
	StatePrepared:    {StateStarted, StatePaused, StateStopped, StateSeeking, StateIdle},
	StateStarted:     {StatePaused, StateStopped, StateSeeking, StateIdle},
	StatePaused:      {StateStarted, StateStopped, StateSeeking, StateIdle},
	StateStopped:     {StatePrepared, StateIdle},
	StateSeeking:     {StatePrepared, StateStarted, StatePaused, StateStopped, StateIdle},
	StateError:       {StateIdle},
}

// CanTransition reports whether a stage may move from s to next. Error is
// reachable from everywhere.
func (s State) CanTransition(next State) bool {
	if next == StateError || next == s {
		return true
	}
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
