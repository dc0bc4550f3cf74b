package elements

import (
	"os"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

// Renderer is the output device behind a RenderSink. Render is called from
// the sink worker only; Open and Close bracket the sink lifetime.
type Renderer interface {
	Open(format media.Metadata) error
	Render(buf *media.Buffer) error
	Close() error
}

// FlushRenderer is implemented by renderers that hold queued output which
// must be dropped on flush and seek.
type FlushRenderer interface {
	Flush()
}

// RendererFactory returns the renderer for a sink of the given track type.
type RendererFactory func(track media.TrackType) (Renderer, error)

// Discard drops every payload and counts what it saw.
type Discard struct {
	frames atomic.Int64
	bytes  atomic.Int64
}

func (d *Discard) Open(media.Metadata) error { return nil }

func (d *Discard) Render(buf *media.Buffer) error {
	d.frames.Add(1)
	d.bytes.Add(int64(buf.Size()))
	return nil
}

func (d *Discard) Close() error { return nil }

func (d *Discard) Frames() int64 { return d.frames.Load() }

func (d *Discard) Bytes() int64 { return d.bytes.Load() }

func DiscardRenderers(media.TrackType) (Renderer, error) {
	return &Discard{}, nil
}

// FileRenderers writes audio to a WAV file at audioPath and video to a raw
// Annex-B file at videoPath. An empty path discards that track.
func FileRenderers(audioPath, videoPath string) RendererFactory {
	return func(track media.TrackType) (Renderer, error) {
		switch {
		case track == media.TrackAudio && audioPath != "":
			return NewWavFileRenderer(audioPath), nil
		case track == media.TrackVideo && videoPath != "":
			return NewAnnexBFileRenderer(videoPath), nil
		}
		return &Discard{}, nil
	}
}

// WavFileRenderer writes signed 16-bit PCM to a WAV file. The header sizes
// are patched on Close.
type WavFileRenderer struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
	buf  *goaudio.IntBuffer
}

func NewWavFileRenderer(path string) *WavFileRenderer {
	return &WavFileRenderer{path: path}
}

func (w *WavFileRenderer) Open(format media.Metadata) error {
	if codec := format.CodecID(); codec != media.CodecPCMS16LE {
		return errors.Wrapf(media.ErrUnsupported, "wav renderer: codec %s", codec)
	}
	rate := int(format.IntOr(media.KeySampleRate, 0))
	channels := int(format.IntOr(media.KeyChannels, 1))
	if rate <= 0 || channels <= 0 {
		return errors.Wrapf(media.ErrInvalidConfig, "wav renderer: rate %d channels %d", rate, channels)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return nil
	}
	f, err := os.Create(w.path)
	if err != nil {
		return errors.Wrap(err, "create wav file")
	}
	w.file = f
	w.enc = wav.NewEncoder(f, rate, 16, channels, 1)
	w.buf = &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		SourceBitDepth: 16,
	}
	return nil
}

func (w *WavFileRenderer) Render(buf *media.Buffer) error {
	data := buf.Data()
	if len(data)%2 != 0 {
		return errors.Wrapf(media.ErrBad, "odd pcm payload %d", len(data))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return errors.Wrap(media.ErrNotRunning, "wav renderer closed")
	}
	samples := utils.ByteSliceToInt16Slice(data)
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}
	return errors.Wrap(w.enc.Write(w.buf), "write wav samples")
}

func (w *WavFileRenderer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.enc.Close()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file, w.enc = nil, nil
	return errors.Wrap(err, "close wav file")
}

// AnnexBFileRenderer appends each video payload to a file. H.264 access
// units from the parser form a playable elementary stream.
type AnnexBFileRenderer struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func NewAnnexBFileRenderer(path string) *AnnexBFileRenderer {
	return &AnnexBFileRenderer{path: path}
}

func (a *AnnexBFileRenderer) Open(media.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return nil
	}
	f, err := os.Create(a.path)
	if err != nil {
		return errors.Wrap(err, "create video file")
	}
	a.file = f
	return nil
}

func (a *AnnexBFileRenderer) Render(buf *media.Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return errors.Wrap(media.ErrNotRunning, "video renderer closed")
	}
	_, err := a.file.Write(buf.Data())
	return errors.Wrap(err, "write video payload")
}

func (a *AnnexBFileRenderer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return errors.Wrap(err, "close video file")
}
