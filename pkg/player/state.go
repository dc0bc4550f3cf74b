package player

import (
	"fmt"
	"net/url"
	"strings"
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StatePreparing
	StatePrepared
	StateStarted
	StatePaused
	StateStopped
	StateComplete
	StateError
)

var stateNames = []string{
	"idle", "initialized", "preparing", "prepared", "started",
	"paused", "stopped", "complete", "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// terminal states end Wait.
func (s State) terminal() bool {
	switch s {
	case StateIdle, StateStopped, StateComplete, StateError:
		return true
	}
	return false
}

// Protocol is the transport a data source is read over.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolFile
	ProtocolHTTP
	ProtocolRTSP
	ProtocolPCM
)

func (p Protocol) String() string {
	switch p {
	case ProtocolFile:
		return "file"
	case ProtocolHTTP:
		return "http"
	case ProtocolRTSP:
		return "rtsp"
	case ProtocolPCM:
		return "pcm"
	default:
		return "unknown"
	}
}

// ProtocolOf classifies a locator. Plain paths are files.
func ProtocolOf(locator string) Protocol {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		if locator == "" {
			return ProtocolUnknown
		}
		return ProtocolFile
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return ProtocolFile
	case "http", "https":
		return ProtocolHTTP
	case "rtsp", "rtsps":
		return ProtocolRTSP
	case "pcm":
		return ProtocolPCM
	default:
		return ProtocolUnknown
	}
}
