package pipeline

import (
	"fmt"
	"strings"

	"github.com/realtime-ai/nodeplayer/pkg/media"
)

// Summary dumps every non-empty chain, one line per chain.
func (r *Registry) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder
	for _, line := range Lines {
		if r.heads[line] == none {
			continue
		}
		fmt.Fprintf(&sb, "%-8s %s\n", line.String()+":", r.describeLine(line))
	}
	return sb.String()
}

func (r *Registry) describeLine(line Line) string {
	var parts []string
	for _, s := range (&View{r: r}).Chain(line) {
		parts = append(parts, describeStage(s))
	}
	return strings.Join(parts, " -> ")
}

func describeStage(s Stage) string {
	stub := s.QueryStub()
	desc := fmt.Sprintf("%s[%s]", stub, s.State())
	if f := s.QueryFormat(PortOutput); len(f) > 0 {
		desc += " " + describeFormat(f)
	}
	return desc
}

func describeFormat(m media.Metadata) string {
	var parts []string
	if c := m.CodecID(); c != media.CodecUnknown {
		parts = append(parts, c.String())
	}
	if rate, ok := m.Int(media.KeySampleRate); ok {
		parts = append(parts, fmt.Sprintf("%dHz", rate))
	}
	if ch, ok := m.Int(media.KeyChannels); ok {
		parts = append(parts, fmt.Sprintf("%dch", ch))
	}
	w, wok := m.Int(media.KeyWidth)
	h, hok := m.Int(media.KeyHeight)
	if wok && hok {
		parts = append(parts, fmt.Sprintf("%dx%d", w, h))
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " ") + ")"
}
