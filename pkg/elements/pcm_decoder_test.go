package elements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
	"go.uber.org/zap/zaptest"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

func startDecoder(t *testing.T, d *PCMDecoder, meta media.Metadata) {
	t.Helper()
	t.Cleanup(func() { _ = d.Release() })
	require.NoError(t, d.Init(meta))
	require.NoError(t, d.RunCommand(pipeline.CmdPrepare, nil))
	require.NoError(t, d.RunCommand(pipeline.CmdStart, nil))
}

func pullOne(t *testing.T, s pipeline.Stage) *media.Buffer {
	t.Helper()
	var buf *media.Buffer
	require.Eventually(t, func() bool {
		b, err := s.PullBuffer(pipeline.PortOutput)
		if err != nil {
			return false
		}
		buf = b
		return true
	}, 2*time.Second, 2*time.Millisecond)
	return buf
}

func audioMeta(codec media.CodecID, rate int64) media.Metadata {
	return media.NewMetadata().
		Set(media.KeyTrackType, media.TrackAudio).
		Set(media.KeyCodecID, codec).
		SetInt(media.KeySampleRate, rate).
		SetInt(media.KeyChannels, 1)
}

func TestPCMDecoderExpands(t *testing.T) {
	ulaw := []byte{0x00, 0x7f, 0x80, 0xff}

	tests := []struct {
		name  string
		codec media.CodecID
		in    []byte
		want  []byte
	}{
		{
			name:  "unsigned 8-bit",
			codec: media.CodecPCMU8,
			in:    []byte{128, 255, 0},
			want:  utils.Int16SliceToByteSlice([]int16{0, 127 << 8, -128 << 8}),
		},
		{
			name:  "mu-law",
			codec: media.CodecPCMMuLaw,
			in:    ulaw,
			want:  g711.DecodeUlaw(ulaw),
		},
		{
			name:  "a-law",
			codec: media.CodecPCMALaw,
			in:    ulaw,
			want:  g711.DecodeAlaw(ulaw),
		},
		{
			name:  "linear passes through",
			codec: media.CodecPCMS16LE,
			in:    []byte{1, 2, 3, 4},
			want:  []byte{1, 2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewPCMDecoder(&pipeline.Stub{Name: "pcm-decoder", Version: stubVersion}, Options{Logger: zaptest.NewLogger(t)})
			startDecoder(t, d, audioMeta(tt.codec, 8000))
			assert.Equal(t, media.CodecPCMS16LE, d.QueryFormat(pipeline.PortOutput).CodecID())

			in := media.WrapBuffer(append([]byte(nil), tt.in...))
			in.SetPTS(20_000)
			require.NoError(t, d.PushBuffer(in, pipeline.PortInput))

			out := pullOne(t, d)
			defer out.Release()
			assert.Equal(t, tt.want, out.Data())
			assert.Equal(t, int64(20_000), out.PTS())
			assert.Equal(t, media.TrackAudio, out.Meta().TrackType())
		})
	}
}

func TestPCMDecoderChunksWithTimestamps(t *testing.T) {
	d := NewPCMDecoder(&pipeline.Stub{Name: "pcm-decoder", Version: stubVersion}, Options{
		Logger:          zaptest.NewLogger(t),
		AudioFrameBytes: 160,
	})
	// 8 kHz mono 16-bit: 160 bytes is 10 ms
	startDecoder(t, d, audioMeta(media.CodecPCMS16LE, 8000))

	in := media.WrapBuffer(make([]byte, 400))
	in.SetPTS(1_000_000)
	require.NoError(t, d.PushBuffer(in, pipeline.PortInput))

	var pts []int64
	var sizes []int
	for i := 0; i < 3; i++ {
		out := pullOne(t, d)
		pts = append(pts, out.PTS())
		sizes = append(sizes, out.Size())
		out.Release()
	}
	assert.Equal(t, []int64{1_000_000, 1_010_000, 1_020_000}, pts)
	assert.Equal(t, []int{160, 160, 80}, sizes)
}

func TestPCMDecoderRejectsCodec(t *testing.T) {
	d := NewPCMDecoder(&pipeline.Stub{Name: "pcm-decoder", Version: stubVersion}, Options{})
	err := d.Init(audioMeta(media.CodecOpus, 48000))
	assert.ErrorIs(t, err, media.ErrUnsupported)

	assert.True(t, AcceptsPCM(audioMeta(media.CodecOpus, 48000).SetBool(media.KeyBypass, true)))
	assert.False(t, AcceptsPCM(audioMeta(media.CodecOpus, 48000)))
}

func TestPCMDecoderForwardsEOS(t *testing.T) {
	d := NewPCMDecoder(&pipeline.Stub{Name: "pcm-decoder", Version: stubVersion}, Options{Logger: zaptest.NewLogger(t)})
	startDecoder(t, d, audioMeta(media.CodecPCMS16LE, 8000))

	require.NoError(t, d.PushBuffer(media.NewEOSBuffer(media.TrackAudio), pipeline.PortInput))
	require.NoError(t, d.PushBuffer(media.NewEOSBuffer(media.TrackAudio), pipeline.PortInput))

	out := pullOne(t, d)
	assert.True(t, out.IsEOS())
	out.Release()
	assert.True(t, d.EOSForwarded())

	time.Sleep(20 * time.Millisecond)
	_, err := d.PullBuffer(pipeline.PortOutput)
	assert.ErrorIs(t, err, media.ErrNotAvailable)
}
