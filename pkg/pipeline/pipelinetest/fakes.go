// Package pipelinetest provides scriptable stages for exercising registries
// and players without real media.
package pipelinetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"go.uber.org/zap"
)

// commandLog records every command a stage received.
type commandLog struct {
	mu   sync.Mutex
	cmds []pipeline.Command
	seek []int64
}

func (c *commandLog) record(cmd pipeline.Command, opts media.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, cmd)
	if cmd == pipeline.CmdSeek {
		c.seek = append(c.seek, opts.IntOr(media.KeySeekTime, -1))
	}
}

// Commands returns the commands received so far.
func (c *commandLog) Commands() []pipeline.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.Command(nil), c.cmds...)
}

// Seeks returns the targets of every seek command received.
func (c *commandLog) Seeks() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.seek...)
}

// DemuxerConfig scripts a Demuxer.
type DemuxerConfig struct {
	Tracks        []media.Metadata
	Packets       int
	PacketSize    int
	FrameDuration time.Duration
	Logger        *zap.Logger
	PollInterval  time.Duration
}

// Demuxer emits Packets buffers per track followed by one EOS per track.
type Demuxer struct {
	*pipeline.BaseStage
	commandLog

	cfg    DemuxerConfig
	pool   *media.BufferPool
	queues map[media.TrackType]*pipeline.BufferQueue

	mu        sync.Mutex
	tracks    map[media.TrackType]media.Metadata
	emitted   map[media.TrackType]int
	eosQueued bool
}

func NewDemuxer(stub *pipeline.Stub, cfg DemuxerConfig) *Demuxer {
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = 64
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	d := &Demuxer{
		BaseStage: pipeline.NewBaseStage(stub, pipeline.StageOptions{Logger: cfg.Logger, PollInterval: cfg.PollInterval}),
		cfg:       cfg,
		queues:    make(map[media.TrackType]*pipeline.BufferQueue),
		tracks:    make(map[media.TrackType]media.Metadata),
		emitted:   make(map[media.TrackType]int),
	}
	for _, t := range cfg.Tracks {
		d.tracks[t.TrackType()] = t.Clone()
		d.queues[t.TrackType()] = pipeline.NewBufferQueue()
	}
	return d
}

func (d *Demuxer) Init(meta media.Metadata) error {
	if _, ok := meta.String(media.KeyFormatURI); !ok {
		return errors.Wrap(media.ErrInvalidConfig, "missing uri")
	}
	pool, err := media.NewBufferPoolWith("fake-demux", 30, d.cfg.PacketSize, nil, d.Logger())
	if err != nil {
		return err
	}
	d.pool = pool
	d.AddPool(pool)
	d.SetFormat(pipeline.PortInput, meta)
	d.SetState(pipeline.StateInitialized)
	return nil
}

func (d *Demuxer) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	d.record(cmd, opts)
	return d.Dispatch(d, cmd, opts)
}

func (d *Demuxer) Step(ctx context.Context) error {
	d.mu.Lock()
	var track media.TrackType
	for t := range d.tracks {
		if d.emitted[t] < d.cfg.Packets && (track == media.TrackNone || t < track) {
			track = t
		}
	}
	if track == media.TrackNone {
		defer d.mu.Unlock()
		if d.eosQueued {
			return media.ErrEndOfStream
		}
		for t, q := range d.queues {
			q.Push(media.NewEOSBuffer(t))
		}
		d.eosQueued = true
		return nil
	}
	d.mu.Unlock()

	buf, err := d.pool.AcquireBuffer(true, d.cfg.PacketSize)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.emitted[track]
	if n >= d.cfg.Packets {
		buf.Release()
		return nil
	}
	payload := buf.Bytes()[:d.cfg.PacketSize]
	for i := range payload {
		payload[i] = byte(n)
	}
	_ = buf.SetRange(0, d.cfg.PacketSize)
	buf.SetPTS(int64(n) * d.cfg.FrameDuration.Microseconds())
	buf.Meta().SetInt(media.KeyTrackType, int64(track))
	d.queues[track].Push(buf)
	d.emitted[track] = n + 1
	return nil
}

func (d *Demuxer) OnSeek(timeUs int64) error {
	d.OnFlush()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := int(timeUs / d.cfg.FrameDuration.Microseconds())
	if n > d.cfg.Packets {
		n = d.cfg.Packets
	}
	for t := range d.tracks {
		d.emitted[t] = n
	}
	d.eosQueued = false
	return nil
}

func (d *Demuxer) OnFlush() {
	for _, q := range d.queues {
		q.Flush()
	}
}

func (d *Demuxer) PullPacket(track media.TrackType) (*media.Buffer, error) {
	if !d.Started() {
		time.Sleep(d.PollInterval())
		return nil, media.ErrNotAvailable
	}
	q, ok := d.queues[track]
	if !ok {
		return nil, errors.Wrapf(media.ErrInvalidConfig, "no %s track", track)
	}
	buf, ok := q.Pop()
	if !ok {
		return nil, media.ErrNotAvailable
	}
	return buf, nil
}

func (d *Demuxer) CountTracks(track media.TrackType) int {
	if _, ok := d.tracks[track]; ok {
		return 1
	}
	return 0
}

func (d *Demuxer) SelectTrack(index int, track media.TrackType) error {
	if index != 0 || d.CountTracks(track) == 0 {
		return errors.Wrapf(media.ErrInvalidConfig, "track %s/%d", track, index)
	}
	return nil
}

func (d *Demuxer) QueryTrackUsed(track media.TrackType) int {
	if d.CountTracks(track) == 0 {
		return -1
	}
	return 0
}

func (d *Demuxer) QueryTrackMeta(index int, track media.TrackType) (media.Metadata, error) {
	if err := d.SelectTrack(index, track); err != nil {
		return nil, err
	}
	return d.tracks[track].Clone(), nil
}

func (d *Demuxer) QueryDuration() int64 {
	return int64(d.cfg.Packets) * d.cfg.FrameDuration.Microseconds()
}

// Decoder copies each input payload into a buffer from its own pool.
type Decoder struct {
	*pipeline.BaseStage
	commandLog

	pool    *media.BufferPool
	track   media.TrackType
	decoded atomic.Int64
}

func NewDecoder(stub *pipeline.Stub, opts pipeline.StageOptions) *Decoder {
	return &Decoder{BaseStage: pipeline.NewBaseStage(stub, opts)}
}

func (d *Decoder) Init(meta media.Metadata) error {
	d.track = meta.TrackType()
	if d.track == media.TrackNone {
		return errors.Wrap(media.ErrInvalidConfig, "missing track type")
	}
	pool, err := media.NewBufferPoolWith("fake-decode", 8, 4096, meta.Allocator(), d.Logger())
	if err != nil {
		return err
	}
	d.pool = pool
	d.AddPool(pool)
	d.SetFormat(pipeline.PortInput, meta)
	out := meta.Clone()
	out.Set(media.KeyCodecID, media.CodecPCMS16LE)
	delete(out, media.KeyAllocator)
	d.SetFormat(pipeline.PortOutput, out)
	d.SetState(pipeline.StateInitialized)
	return nil
}

func (d *Decoder) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	d.record(cmd, opts)
	return d.Dispatch(d, cmd, opts)
}

func (d *Decoder) Step(ctx context.Context) error {
	in, err := d.PullBuffer(pipeline.PortInput)
	if err != nil {
		return err
	}
	defer in.Release()

	if in.IsEOS() {
		d.ForwardEOS(d.track)
		return nil
	}
	out, err := d.pool.AcquireBuffer(true, in.Size())
	if err != nil {
		return err
	}
	if err := out.Write(in.Data()); err != nil {
		out.Release()
		return err
	}
	out.SetPTS(in.PTS())
	out.Meta().SetInt(media.KeyTrackType, int64(d.track))
	d.Out().Push(out)
	d.decoded.Add(1)
	return nil
}

func (d *Decoder) Decoded() int64 {
	return d.decoded.Load()
}

// Sink counts rendered buffers and posts one completion event per EOS.
type Sink struct {
	*pipeline.BaseStage
	commandLog

	track       media.TrackType
	eosSeen     atomic.Bool
	completions atomic.Int64

	mu  sync.Mutex
	pts []int64
}

func NewSink(stub *pipeline.Stub, opts pipeline.StageOptions) *Sink {
	return &Sink{BaseStage: pipeline.NewBaseStage(stub, opts)}
}

func (s *Sink) Init(meta media.Metadata) error {
	s.track = meta.TrackType()
	if s.track == media.TrackNone {
		return errors.Wrap(media.ErrInvalidConfig, "missing track type")
	}
	s.SetFormat(pipeline.PortInput, meta)
	s.SetState(pipeline.StateInitialized)
	return nil
}

func (s *Sink) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	s.record(cmd, opts)
	return s.Dispatch(s, cmd, opts)
}

func (s *Sink) Step(ctx context.Context) error {
	buf, err := s.PullBuffer(pipeline.PortInput)
	if err != nil {
		return err
	}
	defer buf.Release()

	if buf.IsEOS() {
		if s.eosSeen.CompareAndSwap(false, true) {
			s.completions.Add(1)
			return s.PostEvent(pipeline.CompletionEvent(s.track))
		}
		return nil
	}
	s.mu.Lock()
	s.pts = append(s.pts, buf.PTS())
	s.mu.Unlock()
	return nil
}

func (s *Sink) OnFlush() {
	s.eosSeen.Store(false)
}

// Rendered returns the timestamps of every non-EOS buffer rendered.
func (s *Sink) Rendered() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.pts...)
}

func (s *Sink) Completions() int64 {
	return s.completions.Load()
}
