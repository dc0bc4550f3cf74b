package pipeline

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"go.uber.org/zap"
)

const none = -1

// node is one arena slot. Chain links are arena indices.
type node struct {
	stage Stage
	line  Line
	prev  int
	next  int
	live  bool
}

// Source describes what the root demuxer should open.
type Source struct {
	URI       string
	UserAgent string
}

type RegistryOptions struct {
	Logger    *zap.Logger
	Allocator media.Allocator
	UserAgent string
}

// Registry catalogs stubs, instantiates stages and holds one chain per line.
// Chain construction, teardown and command fan-out are serialized by the
// structural lock.
type Registry struct {
	mu sync.Mutex

	stubs map[StageType][]*Stub
	nodes map[StageType][]int

	arena []node
	free  []int
	heads [numLines]int

	defaults  [numLines]media.Metadata
	trackMeta [numLines]media.Metadata

	allocator media.Allocator
	userAgent string
	poster    EventPoster

	logger *zap.Logger
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = media.NewHeapAllocator()
	}
	r := &Registry{
		stubs:     make(map[StageType][]*Stub),
		nodes:     make(map[StageType][]int),
		allocator: alloc,
		userAgent: opts.UserAgent,
		logger:    logger.With(zap.String("component", "registry")),
	}
	for i := range r.heads {
		r.heads[i] = none
	}
	return r
}

// Lock takes the structural lock.
func (r *Registry) Lock() { r.mu.Lock() }

func (r *Registry) Unlock() { r.mu.Unlock() }

// View runs fn with the structural lock held.
func (r *Registry) View(fn func(v *View)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&View{r: r})
}

// SetEventLooper attaches the poster handed to every stage built afterwards.
func (r *Registry) SetEventLooper(p EventPoster) {
	r.mu.Lock()
	r.poster = p
	r.mu.Unlock()
}

func (r *Registry) Allocator() media.Allocator {
	return r.allocator
}

// RegisterStub adds a stub. Stubs sharing a type are all kept in
// registration order.
func (r *Registry) RegisterStub(stub *Stub) error {
	if stub == nil || stub.New == nil {
		return errors.Wrap(media.ErrInvalidConfig, "stub without factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs[stub.Type] = append(r.stubs[stub.Type], stub)
	return nil
}

// FindStub returns the first registered stub of type t whose role occurs in role.
func (r *Registry) FindStub(t StageType, role string) *Stub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findStub(t, role, nil)
}

func (r *Registry) findStub(t StageType, role string, match func(*Stub) bool) *Stub {
	for _, stub := range r.stubs[t] {
		if !stub.MatchesRole(role) {
			continue
		}
		if match != nil && !match(stub) {
			continue
		}
		return stub
	}
	return nil
}

// Stubs lists every registered stub grouped by stage type.
func (r *Registry) Stubs() []*Stub {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Stub
	for _, t := range stageTypes {
		out = append(out, r.stubs[t]...)
	}
	return out
}

// RegisterNode inserts an instantiated stage with no chain links.
func (r *Registry) RegisterNode(stage Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerNode(stage)
}

func (r *Registry) registerNode(stage Stage) int {
	n := node{stage: stage, line: LineRoot, prev: none, next: none, live: true}
	var idx int
	if k := len(r.free); k > 0 {
		idx = r.free[k-1]
		r.free = r.free[:k-1]
		r.arena[idx] = n
	} else {
		idx = len(r.arena)
		r.arena = append(r.arena, n)
	}
	t := stage.QueryStub().Type
	r.nodes[t] = append(r.nodes[t], idx)
	return idx
}

// FindNode applies the FindStub role rule to instantiated stages.
func (r *Registry) FindNode(t StageType, role string) Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findNode(t, role)
}

func (r *Registry) findNode(t StageType, role string) Stage {
	for _, idx := range r.nodes[t] {
		s := r.arena[idx].stage
		if s.QueryStub().MatchesRole(role) {
			return s
		}
	}
	return nil
}

// RegisterMetadata sets the default track metadata for line, used when the
// demuxer has no track for it.
func (r *Registry) RegisterMetadata(line Line, meta media.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[line] = meta.Clone()
}

func (r *Registry) Metadata(line Line) media.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults[line].Clone()
}

// ChainAppend links stage at the tail of line's chain; the first append
// becomes the head.
func (r *Registry) ChainAppend(stage Stage, line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chainAppend(r.indexOf(stage), line)
}

func (r *Registry) indexOf(stage Stage) int {
	for i := range r.arena {
		if r.arena[i].live && r.arena[i].stage == stage {
			return i
		}
	}
	return r.registerNode(stage)
}

func (r *Registry) chainAppend(idx int, line Line) {
	r.arena[idx].line = line
	r.arena[idx].next = none
	head := r.heads[line]
	if head == none {
		r.arena[idx].prev = none
		r.heads[line] = idx
		return
	}
	tail := head
	for r.arena[tail].next != none {
		tail = r.arena[tail].next
	}
	r.arena[tail].next = idx
	r.arena[idx].prev = tail
	if l, ok := r.arena[tail].stage.(Linker); ok {
		l.LinkNext(r.arena[idx].stage)
	}
}

// Head returns the first stage of line's chain, or nil.
func (r *Registry) Head(line Line) Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&View{r: r}).Head(line)
}

// Chain returns line's stages from head to tail.
func (r *Registry) Chain(line Line) []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&View{r: r}).Chain(line)
}

// Demuxer returns the root chain head when it is a demuxer.
func (r *Registry) Demuxer() Demuxer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&View{r: r}).Demuxer()
}

// AutoBuild instantiates the demuxer for src and makes it the root chain head.
func (r *Registry) AutoBuild(src Source) error {
	if src.URI == "" {
		return errors.Wrap(media.ErrNullSource, "empty locator")
	}
	if src.UserAgent == "" {
		src.UserAgent = r.userAgent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stub := r.findStub(StageDemuxer, LineRoot.Role(), func(s *Stub) bool { return s.probe(src.URI) })
	if stub == nil {
		return errors.Wrapf(media.ErrNullSource, "no demuxer for %q", src.URI)
	}
	stage := stub.New()
	stage.SetEventLooper(r.poster)

	meta := media.NewMetadata().
		SetString(media.KeyFormatURI, src.URI).
		SetString(media.KeyUserAgent, src.UserAgent)
	if err := stage.Init(meta); err != nil {
		_ = stage.Release()
		return errors.Wrapf(media.ErrInitFailed, "%s: %v", stub.Name, err)
	}

	idx := r.registerNode(stage)
	r.chainAppend(idx, LineRoot)
	r.logger.Info("demuxer built", zap.String("stub", stub.String()), zap.String("uri", src.URI))
	return nil
}

// AutoBuildCodecSink builds decoder and sink chains for the video and audio
// lines. A line without a track, stub or successful init is left empty; the
// returned count is the number of lines that got a chain.
func (r *Registry) AutoBuildCodecSink() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	built := 0
	for _, line := range MediaLines {
		if r.heads[line] != none {
			built++
			continue
		}
		if r.buildLine(line) {
			built++
		}
	}
	return built
}

func (r *Registry) buildLine(line Line) bool {
	logger := r.logger.With(zap.Stringer("line", line))

	meta := r.lineMetadata(line)
	if meta == nil {
		logger.Debug("no track for line")
		return false
	}
	meta.Set(media.KeyAllocator, r.allocator)
	r.trackMeta[line] = meta

	sinkFormat := meta
	if stub := r.findStub(StageDecoder, line.Role(), func(s *Stub) bool { return s.accepts(meta) }); stub != nil {
		dec := stub.New()
		dec.SetEventLooper(r.poster)
		if err := dec.Init(meta.Clone()); err != nil {
			logger.Warn("decoder init failed", zap.String("stub", stub.String()), zap.Error(err))
			_ = dec.Release()
			return false
		}
		r.chainAppend(r.registerNode(dec), line)
		sinkFormat = dec.QueryFormat(PortOutput)
	} else if r.defaults[line] == nil {
		logger.Warn("no decoder stub", zap.Stringer("codec", meta.CodecID()))
		return false
	}
	if sinkFormat.TrackType() == media.TrackNone {
		sinkFormat.Set(media.KeyTrackType, line.Track())
	}
	sinkFormat.Set(media.KeyAllocator, r.allocator)

	stub := r.findStub(StageSink, line.Role(), func(s *Stub) bool { return s.accepts(sinkFormat) })
	if stub == nil {
		logger.Warn("no sink stub")
		return r.heads[line] != none
	}
	sink := stub.New()
	sink.SetEventLooper(r.poster)
	if err := sink.Init(sinkFormat); err != nil {
		logger.Warn("sink init failed", zap.String("stub", stub.String()), zap.Error(err))
		_ = sink.Release()
		return r.heads[line] != none
	}
	r.chainAppend(r.registerNode(sink), line)
	logger.Info("line built", zap.String("summary", r.describeLine(line)))
	return true
}

// lineMetadata picks the demuxer's used track, falling back to the default
// registered for line.
func (r *Registry) lineMetadata(line Line) media.Metadata {
	if demux := (&View{r: r}).Demuxer(); demux != nil {
		track := line.Track()
		if idx := demux.QueryTrackUsed(track); idx >= 0 {
			meta, err := demux.QueryTrackMeta(idx, track)
			if err == nil && meta != nil {
				return meta.Clone()
			}
			r.logger.Warn("query track meta", zap.Stringer("line", line), zap.Error(err))
		}
	}
	if d := r.defaults[line]; d != nil {
		return d.Clone()
	}
	return nil
}

// ExecuteCommand invokes cmd on the head of every non-empty chain.
func (r *Registry) ExecuteCommand(cmd Command, opts media.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&View{r: r}).Execute(cmd, opts)
}

// ReleaseNodes destroys every chain tail-first and clears the line heads.
func (r *Registry) ReleaseNodes() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, line := range Lines {
		head := r.heads[line]
		if head == none {
			continue
		}
		tail := head
		for r.arena[tail].next != none {
			tail = r.arena[tail].next
		}
		for idx := tail; idx != none; {
			prev := r.arena[idx].prev
			if prev != none {
				if l, ok := r.arena[prev].stage.(Linker); ok {
					l.LinkNext(nil)
				}
			}
			r.destroy(idx)
			idx = prev
		}
		r.heads[line] = none
		r.trackMeta[line] = nil
	}
}

func (r *Registry) destroy(idx int) {
	n := r.arena[idx]
	stub := n.stage.QueryStub()
	if err := n.stage.Release(); err != nil {
		r.logger.Warn("release stage", zap.String("stub", stub.String()), zap.Error(err))
	}
	list := r.nodes[stub.Type]
	for i, v := range list {
		if v == idx {
			r.nodes[stub.Type] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.arena[idx] = node{prev: none, next: none}
	r.free = append(r.free, idx)
}

// View is the registry seen from inside the structural lock.
type View struct {
	r *Registry
}

func (v *View) Head(line Line) Stage {
	idx := v.r.heads[line]
	if idx == none {
		return nil
	}
	return v.r.arena[idx].stage
}

func (v *View) Chain(line Line) []Stage {
	var out []Stage
	for idx := v.r.heads[line]; idx != none; idx = v.r.arena[idx].next {
		out = append(out, v.r.arena[idx].stage)
	}
	return out
}

func (v *View) Demuxer() Demuxer {
	d, _ := v.Head(LineRoot).(Demuxer)
	return d
}

// Execute invokes cmd on every chain head. Unsupported commands are logged
// and skipped; the first other error is returned after the fan-out finishes.
func (v *View) Execute(cmd Command, opts media.Metadata) error {
	var first error
	for _, line := range Lines {
		if err := v.ExecuteLine(line, cmd, opts); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ExecuteLine invokes cmd on the head of one line.
func (v *View) ExecuteLine(line Line, cmd Command, opts media.Metadata) error {
	head := v.Head(line)
	if head == nil {
		return nil
	}
	if opts == nil {
		opts = media.NewMetadata()
	}
	err := head.RunCommand(cmd, opts)
	if errors.Is(err, media.ErrUnsupported) {
		v.r.logger.Warn("command unsupported", zap.Stringer("line", line), zap.Stringer("cmd", cmd))
		return nil
	}
	if err != nil {
		v.r.logger.Warn("command failed", zap.Stringer("line", line), zap.Stringer("cmd", cmd), zap.Error(err))
	}
	return err
}
