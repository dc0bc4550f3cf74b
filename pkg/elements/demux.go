package elements

import (
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

// demuxCore holds what the file demuxers share: discovered tracks, the
// selected track per type and one packet queue per type.
type demuxCore struct {
	*pipeline.BaseStage

	mu       sync.Mutex
	tracks   map[media.TrackType][]media.Metadata
	used     map[media.TrackType]int
	queues   map[media.TrackType]*pipeline.BufferQueue
	pool     *media.BufferPool
	buffers  int
	duration int64
	eos      bool
}

func newDemuxCore(stub *pipeline.Stub, opts Options) demuxCore {
	opts = opts.WithDefaults()
	return demuxCore{
		BaseStage: pipeline.NewBaseStage(stub, opts.demuxOptions()),
		buffers:   opts.InputBuffers,
		tracks:    make(map[media.TrackType][]media.Metadata),
		used:      make(map[media.TrackType]int),
		queues:    make(map[media.TrackType]*pipeline.BufferQueue),
	}
}

func (d *demuxCore) addTrack(meta media.Metadata) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := meta.TrackType()
	idx := len(d.tracks[t])
	meta.SetInt(media.KeyTrackIndex, int64(idx))
	d.tracks[t] = append(d.tracks[t], meta)
	if idx == 0 {
		d.used[t] = 0
		d.queues[t] = pipeline.NewBufferQueue()
	}
	return idx
}

func (d *demuxCore) usePool(name string, size int) error {
	pool, err := media.NewBufferPoolWith(name, d.buffers, size, nil, d.Logger())
	if err != nil {
		return err
	}
	d.pool = pool
	d.AddPool(pool)
	return nil
}

// selected reports whether packets of track index idx are wanted.
func (d *demuxCore) selected(t media.TrackType, idx int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	used, ok := d.used[t]
	return ok && used == idx
}

func (d *demuxCore) queuePacket(t media.TrackType, buf *media.Buffer) {
	d.mu.Lock()
	q := d.queues[t]
	d.mu.Unlock()
	if q == nil {
		buf.Release()
		return
	}
	buf.Meta().SetInt(media.KeyTrackType, int64(t))
	q.Push(buf)
}

// queueEOS appends one EOS packet per used track, once per stream end.
func (d *demuxCore) queueEOS() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eos {
		return
	}
	for t, q := range d.queues {
		q.Push(media.NewEOSBuffer(t))
	}
	d.eos = true
}

func (d *demuxCore) atEOS() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eos
}

func (d *demuxCore) rearm() {
	d.mu.Lock()
	d.eos = false
	d.mu.Unlock()
}

func (d *demuxCore) OnFlush() {
	d.mu.Lock()
	queues := make([]*pipeline.BufferQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()
	for _, q := range queues {
		q.Flush()
	}
}

func (d *demuxCore) PullPacket(track media.TrackType) (*media.Buffer, error) {
	if !d.Started() {
		time.Sleep(d.PollInterval())
		return nil, media.ErrNotAvailable
	}
	d.mu.Lock()
	q := d.queues[track]
	d.mu.Unlock()
	if q == nil {
		return nil, errors.Wrapf(media.ErrInvalidConfig, "no %s track", track)
	}
	buf, ok := q.Pop()
	if !ok {
		return nil, media.ErrNotAvailable
	}
	return buf, nil
}

func (d *demuxCore) CountTracks(track media.TrackType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracks[track])
}

func (d *demuxCore) SelectTrack(index int, track media.TrackType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.tracks[track]) {
		return errors.Wrapf(media.ErrInvalidConfig, "track %s/%d", track, index)
	}
	d.used[track] = index
	return nil
}

func (d *demuxCore) QueryTrackUsed(track media.TrackType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx, ok := d.used[track]; ok {
		return idx
	}
	return -1
}

func (d *demuxCore) QueryTrackMeta(index int, track media.TrackType) (media.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.tracks[track]) {
		return nil, errors.Wrapf(media.ErrInvalidConfig, "track %s/%d", track, index)
	}
	return d.tracks[track][index].Clone(), nil
}

func (d *demuxCore) QueryDuration() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

func (d *demuxCore) setDuration(us int64) {
	d.mu.Lock()
	d.duration = us
	d.mu.Unlock()
}

// localPath turns a file locator (bare path or file:// URL) into a path.
func localPath(uri string) (string, error) {
	if uri == "" {
		return "", errors.Wrap(media.ErrNullSource, "empty uri")
	}
	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) <= 1 {
		return uri, nil
	}
	if u.Scheme != "file" {
		return "", errors.Wrapf(media.ErrUnsupported, "scheme %q", u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "//" + u.Host + u.Path, nil
	}
	return u.Path, nil
}

// probeExt builds a Probe accepting local files with one of exts.
func probeExt(exts ...string) func(string) bool {
	return func(uri string) bool {
		path, err := localPath(uri)
		if err != nil {
			return false
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, e := range exts {
			if ext == e {
				return true
			}
		}
		return false
	}
}

func uriOf(meta media.Metadata) (string, error) {
	uri, ok := meta.String(media.KeyFormatURI)
	if !ok {
		return "", errors.Wrap(media.ErrInvalidConfig, "missing uri")
	}
	return localPath(uri)
}
