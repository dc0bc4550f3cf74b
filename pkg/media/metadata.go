package media

// Key names one metadata entry exchanged between stages.
type Key string

const (
	KeyFormatURI  Key = "format.uri"
	KeyUserAgent  Key = "format.user_agent"
	KeyTrackType  Key = "codec.type"
	KeyCodecID    Key = "codec.id"
	KeyBypass     Key = "codec.bypass"
	KeyTrackIndex Key = "track.index"
	KeyWidth      Key = "video.width"
	KeyHeight     Key = "video.height"
	KeyFrameRate  Key = "video.frame_rate"
	KeySampleRate Key = "audio.sample_rate"
	KeyChannels   Key = "audio.channels"
	KeyBitDepth   Key = "audio.bit_depth"
	KeyEOS        Key = "frame.eos"
	KeyKeyframe   Key = "frame.keyframe"
	KeyPTS        Key = "frame.pts_us"
	KeyDuration   Key = "frame.duration_us"
	KeySeekTime   Key = "seek.time_us"
	KeyAllocator  Key = "allocator"
	KeyStreamTime Key = "stream.duration_us"
)

// Metadata is a loosely typed property bag. Integers are always stored as
// int64 so readers do not need to know the writer's width.
type Metadata map[Key]any

func NewMetadata() Metadata {
	return make(Metadata)
}

func (m Metadata) Has(k Key) bool {
	_, ok := m[k]
	return ok
}

func (m Metadata) Set(k Key, v any) Metadata {
	m[k] = v
	return m
}

func (m Metadata) Value(k Key) any {
	return m[k]
}

func (m Metadata) SetInt(k Key, v int64) Metadata {
	m[k] = v
	return m
}

// Int returns the integer stored at k.
func (m Metadata) Int(k Key) (int64, bool) {
	switch v := m[k].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case TrackType:
		return int64(v), true
	case CodecID:
		return int64(v), true
	}
	return 0, false
}

// IntOr returns the integer at k or def when missing.
func (m Metadata) IntOr(k Key, def int64) int64 {
	if v, ok := m.Int(k); ok {
		return v
	}
	return def
}

func (m Metadata) SetString(k Key, v string) Metadata {
	m[k] = v
	return m
}

func (m Metadata) String(k Key) (string, bool) {
	v, ok := m[k].(string)
	return v, ok
}

func (m Metadata) SetBool(k Key, v bool) Metadata {
	m[k] = v
	return m
}

func (m Metadata) Bool(k Key) bool {
	v, _ := m[k].(bool)
	return v
}

func (m Metadata) TrackType() TrackType {
	return TrackType(m.IntOr(KeyTrackType, int64(TrackNone)))
}

func (m Metadata) CodecID() CodecID {
	return CodecID(m.IntOr(KeyCodecID, int64(CodecUnknown)))
}

// Allocator returns the shared allocator handed across the demux/decode
// boundary, if any.
func (m Metadata) Allocator() Allocator {
	a, _ := m[KeyAllocator].(Allocator)
	return a
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies every entry of src into m, overwriting existing keys.
func (m Metadata) Merge(src Metadata) Metadata {
	for k, v := range src {
		m[k] = v
	}
	return m
}

// Reset removes every entry.
func (m Metadata) Reset() {
	for k := range m {
		delete(m, k)
	}
}
