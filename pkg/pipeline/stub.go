package pipeline

import (
	"strings"

	"github.com/realtime-ai/nodeplayer/pkg/media"
)

// Stub describes a stage implementation ahead of instantiation.
type Stub struct {
	Type    StageType
	Role    string
	Name    string
	Version string
	// UsesPool marks stages that consume pool-backed buffers.
	UsesPool bool
	New      func() Stage

	// Probe, when set, restricts a demuxer stub to locators it can open.
	Probe func(locator string) bool
	// Accepts, when set, restricts a decoder or sink stub to the track
	// metadata it can handle.
	Accepts func(meta media.Metadata) bool
}

// MatchesRole reports whether the stub's role token occurs in role.
func (s *Stub) MatchesRole(role string) bool {
	return s.Role != "" && strings.Contains(role, s.Role)
}

func (s *Stub) probe(locator string) bool {
	return s.Probe == nil || s.Probe(locator)
}

func (s *Stub) accepts(meta media.Metadata) bool {
	return s.Accepts == nil || s.Accepts(meta)
}

func (s *Stub) String() string {
	if s == nil {
		return "<none>"
	}
	return s.Name + "/" + s.Version
}
