package media

import "fmt"

// TrackType is the media category of a track or buffer.
type TrackType int

const (
	TrackNone TrackType = iota
	TrackVideo
	TrackAudio
	TrackSubtitle
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	default:
		return "none"
	}
}

// CodecID identifies the payload encoding carried by a buffer.
type CodecID int

const (
	CodecUnknown CodecID = iota
	CodecPCMS16LE
	CodecPCMU8
	CodecPCMALaw
	CodecPCMMuLaw
	CodecOpus
	CodecH264
	CodecRawVideo
)

var codecNames = map[CodecID]string{
	CodecUnknown:  "unknown",
	CodecPCMS16LE: "pcm_s16le",
	CodecPCMU8:    "pcm_u8",
	CodecPCMALaw:  "pcm_alaw",
	CodecPCMMuLaw: "pcm_mulaw",
	CodecOpus:     "opus",
	CodecH264:     "h264",
	CodecRawVideo: "rawvideo",
}

func (c CodecID) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec(%d)", int(c))
}
