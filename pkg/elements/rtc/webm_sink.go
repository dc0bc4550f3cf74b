package rtc

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/hraban/opus"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
)

const muxerDrainTimeout = time.Second

// opusPreSkip is the encoder lookahead at 48 kHz announced in OpusHead.
const opusPreSkip = 312

// WebMFileRenderer encodes 16-bit PCM to Opus and muxes it into a WebM file
// with one SimpleBlock per 20 ms frame.
type WebMFileRenderer struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	out    *fileCloser
	enc    *frameEncoder
	track  webm.BlockWriteCloser
	frames int64

	fmu    sync.Mutex
	failed error
}

func NewWebMFileRenderer(path string, logger *zap.Logger) *WebMFileRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebMFileRenderer{path: path, logger: logger.With(zap.String("component", "webm_sink"))}
}

// opusHead is the CodecPrivate of an Opus track, RFC 7845 section 5.1.
func opusHead(channels, inputRate int) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1
	head[9] = byte(channels)
	binary.LittleEndian.PutUint16(head[10:], opusPreSkip)
	binary.LittleEndian.PutUint32(head[12:], uint32(inputRate))
	return head
}

// fileCloser records that the muxer goroutine is done with the file. The
// renderer closes the file itself.
type fileCloser struct {
	io.Writer
	once sync.Once
	done chan struct{}
}

func (c *fileCloser) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (w *WebMFileRenderer) Open(format media.Metadata) error {
	if codec := format.CodecID(); codec != media.CodecPCMS16LE {
		return errors.Wrapf(media.ErrUnsupported, "webm renderer: codec %s", codec)
	}
	rate := int(format.IntOr(media.KeySampleRate, 0))
	channels := int(format.IntOr(media.KeyChannels, 1))
	if rate <= 0 {
		return errors.Wrapf(media.ErrInvalidConfig, "webm renderer: rate %d", rate)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return nil
	}
	enc, err := newFrameEncoder(rate, channels, opus.AppAudio)
	if err != nil {
		return err
	}
	f, err := os.Create(w.path)
	if err != nil {
		enc.close()
		return errors.Wrap(err, "create webm file")
	}

	out := &fileCloser{Writer: f, done: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(out, []webm.TrackEntry{{
		Name:            "Audio",
		TrackNumber:     1,
		TrackUID:        1,
		CodecID:         "A_OPUS",
		CodecPrivate:    opusHead(channels, rate),
		TrackType:       2,
		DefaultDuration: 20_000_000,
		Audio: &webm.Audio{
			SamplingFrequency: 48000,
			Channels:          uint64(channels),
		},
	}}, mkvcore.WithOnFatalHandler(func(err error) {
		w.logger.Warn("webm muxer failed", zap.Error(err))
		w.fmu.Lock()
		w.failed = err
		w.fmu.Unlock()
	}))
	if err != nil {
		enc.close()
		f.Close()
		return errors.Wrapf(media.ErrInitFailed, "webm writer: %v", err)
	}

	w.file, w.out, w.enc, w.track, w.frames = f, out, enc, writers[0], 0
	return nil
}

// emit writes one Opus packet at the next 20 ms slot.
func (w *WebMFileRenderer) emit(packet []byte) error {
	ts := w.frames * 20
	if _, err := w.track.Write(true, ts, packet); err != nil {
		return errors.Wrap(err, "write opus block")
	}
	w.frames++
	return nil
}

func (w *WebMFileRenderer) fatal() error {
	w.fmu.Lock()
	defer w.fmu.Unlock()
	return w.failed
}

func (w *WebMFileRenderer) Render(buf *media.Buffer) error {
	if err := w.fatal(); err != nil {
		return errors.Wrap(err, "webm muxer")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.track == nil {
		return errors.Wrap(media.ErrNotRunning, "webm renderer closed")
	}
	return w.enc.write(buf.Data(), w.emit)
}

// Flush drops the partial frame so audio from before a seek is not glued
// to audio after it.
func (w *WebMFileRenderer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc != nil {
		w.enc.reset()
	}
}

// Frames is the number of Opus packets written.
func (w *WebMFileRenderer) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

func (w *WebMFileRenderer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	var err error
	if w.fatal() == nil {
		err = w.enc.finish(w.emit)
	}
	if cerr := w.track.Close(); err == nil {
		err = errors.Wrap(cerr, "close webm track")
	}
	select {
	case <-w.out.done:
	case <-time.After(muxerDrainTimeout):
		w.logger.Warn("webm muxer did not drain", zap.String("path", w.path))
	}
	w.enc.close()
	if cerr := w.file.Close(); err == nil {
		err = errors.Wrap(cerr, "close webm file")
	}
	w.logger.Debug("webm closed", zap.String("path", w.path), zap.Int64("frames", w.frames))
	w.file, w.out, w.enc, w.track = nil, nil, nil, nil
	return err
}
