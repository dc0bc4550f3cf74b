package audio

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	OutputSampleRate = 48000
	FrameDuration    = 20 * time.Millisecond
	// prebufferFrames of audio are collected after Clear before playout resumes.
	prebufferFrames = 5
)

// PlayoutBuffer turns bursty PCM input into fixed 20 ms frames at 48 kHz,
// padding with silence when it runs dry.
type PlayoutBuffer struct {
	mu           sync.Mutex
	buffer       []byte
	resampler    *Resample
	channels     int
	frameBytes   int
	accumulating bool
	logger       *zap.Logger
}

// NewPlayoutBuffer accepts 16-bit PCM at inRate with the given channel
// count. Input at 48 kHz is buffered as is.
func NewPlayoutBuffer(inRate, channels int, logger *zap.Logger) (*PlayoutBuffer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	layout, err := LayoutFor(channels)
	if err != nil {
		return nil, err
	}
	pb := &PlayoutBuffer{
		channels:   channels,
		frameBytes: FrameBytes(OutputSampleRate, channels),
		logger:     logger.With(zap.String("component", "playout")),
	}
	if inRate != OutputSampleRate {
		pb.resampler, err = NewResample(inRate, OutputSampleRate, layout, layout)
		if err != nil {
			return nil, err
		}
	}
	pb.buffer = make([]byte, 0, pb.frameBytes*100)
	return pb, nil
}

// FrameBytes is the size of one 20 ms frame of 16-bit PCM.
func FrameBytes(rate, channels int) int {
	return rate * int(FrameDuration/time.Millisecond) / 1000 * bytesPerSample * channels
}

func (pb *PlayoutBuffer) FrameBytes() int { return pb.frameBytes }

func (pb *PlayoutBuffer) Channels() int { return pb.channels }

func (pb *PlayoutBuffer) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if pb.resampler != nil {
		var err error
		if data, err = pb.resampler.Resample(data); err != nil {
			return err
		}
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.buffer = append(pb.buffer, data...)
	return nil
}

// ReadFrame returns exactly one frame. Missing samples are silence.
func (pb *PlayoutBuffer) ReadFrame() []byte {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	frame := make([]byte, pb.frameBytes)

	if pb.accumulating {
		if len(pb.buffer) < pb.frameBytes*prebufferFrames {
			return frame
		}
		pb.accumulating = false
		pb.logger.Debug("prebuffered", zap.Int("bytes", len(pb.buffer)))
	}

	n := copy(frame, pb.buffer)
	pb.buffer = pb.buffer[n:]
	return frame
}

// Clear drops buffered audio and prebuffers before the next frame.
func (pb *PlayoutBuffer) Clear() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.logger.Debug("clear", zap.Int("bytes", len(pb.buffer)))
	pb.buffer = pb.buffer[:0]
	pb.accumulating = true
}

// Available is the number of buffered output bytes.
func (pb *PlayoutBuffer) Available() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return len(pb.buffer)
}

func (pb *PlayoutBuffer) Close() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.resampler != nil {
		pb.resampler.Free()
		pb.resampler = nil
	}
	pb.buffer = nil
}
