package player

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/looper"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

// Controller drives a pipeline registry through the player lifecycle. Every
// command and internal event is handled on one looper goroutine, so state
// transitions are totally ordered no matter how many goroutines call in.
type Controller struct {
	id       string
	opts     Options
	registry *pipeline.Registry
	logger   *zap.Logger

	looperMu sync.Mutex
	looper   *looper.Looper

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	currentUs int64
	duration  int64
	looping   bool
	listener  Listener
	callback  func()
	protocol  Protocol

	seek seekState

	// completed is only touched on the looper goroutine.
	completed map[pipeline.Line]bool

	delivery delivery
}

func New(opts Options) (*Controller, error) {
	opts.withDefaults()
	id := uuid.New().String()
	c := &Controller{
		id:        id,
		opts:      opts,
		registry:  opts.Registry,
		logger:    opts.Logger.With(zap.String("component", "player"), zap.String("player", id)),
		changed:   make(chan struct{}),
		completed: make(map[pipeline.Line]bool),
	}
	c.seek.reset()
	if err := c.startLooper(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) startLooper() error {
	l := looper.New("player-"+c.id[:8], c, c.logger)
	if err := l.Start(context.Background()); err != nil {
		return err
	}
	c.looperMu.Lock()
	c.looper = l
	c.looperMu.Unlock()
	c.registry.SetEventLooper(l)
	return nil
}

func (c *Controller) currentLooper() *looper.Looper {
	c.looperMu.Lock()
	defer c.looperMu.Unlock()
	return c.looper
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) Registry() *pipeline.Registry { return c.registry }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s {
		return
	}
	c.logger.Debug("state", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// CurrentPosition is the timestamp of the last frame handed to a sink, in microseconds.
func (c *Controller) CurrentPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentUs
}

func (c *Controller) setPosition(us int64) {
	c.mu.Lock()
	c.currentUs = us
	c.mu.Unlock()
}

// Duration is the stream duration reported by the demuxer, in microseconds.
func (c *Controller) Duration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

func (c *Controller) Protocol() Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

func (c *Controller) SetLooping(looping bool) {
	c.mu.Lock()
	c.looping = looping
	c.mu.Unlock()
}

func (c *Controller) Looping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.looping
}

func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// SetCallback registers fn to run when playback completes without looping.
func (c *Controller) SetCallback(fn func()) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// SetCodecMeta registers the metadata used for line when the source has no
// track for it, such as PCM written with WriteData.
func (c *Controller) SetCodecMeta(line pipeline.Line, meta media.Metadata) {
	c.registry.RegisterMetadata(line, meta)
}

func (c *Controller) notify(kind looper.EventKind, arg1, arg2 int32, data any) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.Notify(kind, arg1, arg2, data)
	}
}

// Summary describes the controller and every chain.
func (c *Controller) Summary() string {
	return "player " + c.id + " [" + c.State().String() + "]\n" + c.registry.Summary()
}

// Post enqueues cmd without waiting for it to be handled.
func (c *Controller) Post(cmd looper.Command) error {
	return c.currentLooper().Post(cmd)
}

func (c *Controller) send(ctx context.Context, cmd looper.Command) error {
	err := c.currentLooper().Send(ctx, cmd)
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(media.ErrTimeout, "%s", cmd.Kind)
	}
	return err
}

func (c *Controller) postEvent(kind looper.EventKind) {
	if err := c.currentLooper().Post(looper.NewEvent(kind)); err != nil {
		c.logger.Warn("post event", zap.Stringer("kind", kind), zap.Error(err))
	}
}

func (c *Controller) SetDataSource(ctx context.Context, uri string) error {
	cmd := looper.NewCommand(looper.CmdSetDataSource)
	cmd.Data = uri
	return c.send(ctx, cmd)
}

func (c *Controller) Prepare(ctx context.Context) error {
	return c.send(ctx, looper.NewCommand(looper.CmdPrepare))
}

func (c *Controller) Start(ctx context.Context) error {
	return c.send(ctx, looper.NewCommand(looper.CmdStart))
}

func (c *Controller) Pause(ctx context.Context) error {
	return c.send(ctx, looper.NewCommand(looper.CmdPause))
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.send(ctx, looper.NewCommand(looper.CmdStop))
}

// Reset tears every chain down and returns to Idle. A controller whose
// looper exited after a failed SetDataSource is reset in place and gets a
// fresh looper.
func (c *Controller) Reset(ctx context.Context) error {
	err := c.send(ctx, looper.NewCommand(looper.CmdReset))
	if !errors.Is(err, looper.ErrStopped) {
		return err
	}
	select {
	case <-c.currentLooper().Done():
	case <-ctx.Done():
		return errors.Wrap(media.ErrTimeout, "reset")
	}
	c.reset()
	return c.startLooper()
}

// Wait blocks until playback completes, stops, fails or is reset.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		st, ch := c.state, c.changed
		c.mu.Unlock()
		if st.terminal() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrapf(media.ErrTimeout, "wait in state %s", st)
		}
	}
}

// Close resets the controller and stops its looper.
func (c *Controller) Close() error {
	err := c.Reset(context.Background())
	c.currentLooper().Stop()
	return err
}

// OnCommand implements looper.Handler.
func (c *Controller) OnCommand(cmd looper.Command) error {
	switch cmd.Kind {
	case looper.CmdSetDataSource:
		uri, _ := cmd.Data.(string)
		return c.setDataSource(uri)
	case looper.CmdPrepare:
		return c.prepare()
	case looper.CmdStart:
		c.start()
	case looper.CmdPause:
		c.pause()
	case looper.CmdStop:
		c.stop()
	case looper.CmdReset:
		c.reset()
	case looper.CmdSeek:
		return c.SeekTo(cmd.Arg64)
	case looper.CmdSetLooping:
		c.SetLooping(cmd.Arg32 != 0)
	case looper.CmdWriteData:
		data, _ := cmd.Data.([]byte)
		return c.WriteData(data, cmd.Arg64)
	case looper.CmdNop:
	default:
		c.logger.Warn("unsupported command", zap.Stringer("kind", cmd.Kind))
	}
	return nil
}

// OnEvent implements looper.Handler.
func (c *Controller) OnEvent(ev looper.Event) {
	switch ev.Kind {
	case looper.EventSeekAsync:
		c.onSeekTo()
	case looper.EventSeekComplete:
		c.onSeekComplete(ev)
	case looper.EventPlaybackComplete:
		c.onPlaybackComplete(ev)
	case looper.EventError:
		c.onError(ev)
	default:
		c.notify(ev.Kind, ev.Arg1, ev.Arg2, ev.Data)
	}
}

func (c *Controller) invalid(op string) {
	c.logger.Warn("invalid state for "+op, zap.Stringer("state", c.State()))
}

func (c *Controller) setDataSource(uri string) error {
	if c.State() != StateIdle {
		c.invalid("set data source")
		return nil
	}

	protocol := ProtocolOf(uri)
	c.mu.Lock()
	c.protocol = protocol
	c.mu.Unlock()

	if protocol == ProtocolPCM {
		c.logger.Info("pcm feed source")
		c.setState(StateInitialized)
		return nil
	}

	err := c.registry.AutoBuild(pipeline.Source{URI: uri, UserAgent: c.opts.UserAgent})
	if err != nil {
		c.logger.Error("build source", zap.String("uri", uri), zap.Error(err))
		l := c.currentLooper()
		l.Flush()
		ev := looper.NewEvent(looper.EventError)
		ev.Data = err
		if perr := l.Post(ev); perr != nil {
			c.logger.Warn("post error event", zap.Error(perr))
		}
		l.RequestExit()
		c.setState(StateError)
		return err
	}
	c.setState(StateInitialized)
	return nil
}

func (c *Controller) prepare() error {
	from := c.State()
	if from != StateInitialized && from != StateStopped {
		c.invalid("prepare")
		return nil
	}
	c.setState(StatePreparing)

	if from == StateInitialized {
		if n := c.registry.AutoBuildCodecSink(); n == 0 {
			err := errors.Wrap(media.ErrInitFailed, "no playable line")
			c.setState(StateError)
			c.notify(looper.EventError, 0, 0, err)
			return err
		}
	}

	if err := c.registry.ExecuteCommand(pipeline.CmdPrepare, nil); err != nil {
		c.logger.Warn("prepare fan-out", zap.Error(err))
	}
	if from == StateStopped {
		rewind := media.NewMetadata().SetInt(media.KeySeekTime, 0)
		if err := c.registry.ExecuteCommand(pipeline.CmdSeek, rewind); err != nil {
			c.logger.Warn("rewind", zap.Error(err))
		}
	}

	var duration int64
	if demux := c.registry.Demuxer(); demux != nil {
		duration = demux.QueryDuration()
	}
	c.mu.Lock()
	c.duration = duration
	c.mu.Unlock()
	c.clearCompleted()

	c.setState(StatePrepared)
	c.postEvent(looper.EventPrepared)
	c.logger.Info("prepared", zap.Int64("duration_us", duration), zap.String("chains", c.registry.Summary()))

	// a stashed seek always runs: it is what moves the player to started
	if saved := c.seek.takeSaved(); saved >= 0 {
		c.seekTo(saved, true)
	}
	return nil
}

func (c *Controller) start() {
	from := c.State()
	switch from {
	case StatePrepared, StatePaused:
		if err := c.registry.ExecuteCommand(pipeline.CmdStart, nil); err != nil {
			c.logger.Warn("start fan-out", zap.Error(err))
		}
	case StateComplete:
		c.clearCompleted()
		c.setPosition(0)
		c.registry.View(func(v *pipeline.View) {
			_ = v.Execute(pipeline.CmdFlush, nil)
			_ = v.ExecuteLine(pipeline.LineRoot, pipeline.CmdSeek, media.NewMetadata().SetInt(media.KeySeekTime, 0))
			_ = v.Execute(pipeline.CmdStart, nil)
		})
	default:
		c.invalid("start")
		return
	}
	c.setState(StateStarted)
	c.startDelivery()
	c.postEvent(looper.EventStarted)
}

func (c *Controller) pause() {
	switch c.State() {
	case StatePreparing, StatePrepared, StateStarted:
	default:
		c.invalid("pause")
		return
	}
	if err := c.registry.ExecuteCommand(pipeline.CmdPause, nil); err != nil {
		c.logger.Warn("pause fan-out", zap.Error(err))
	}
	c.setState(StatePaused)
	c.postEvent(looper.EventPaused)
}

func (c *Controller) stop() {
	switch c.State() {
	case StatePreparing, StatePrepared, StateStarted:
		c.pause()
	}
	switch c.State() {
	case StatePaused, StateComplete, StateError:
	default:
		c.invalid("stop")
		return
	}

	c.stopDelivery()
	if err := c.registry.ExecuteCommand(pipeline.CmdStop, nil); err != nil {
		c.logger.Warn("stop fan-out", zap.Error(err))
	}
	c.currentLooper().Flush()
	c.seek.reset()

	c.mu.Lock()
	c.currentUs = 0
	c.duration = 0
	c.mu.Unlock()
	c.setState(StateStopped)
	c.postEvent(looper.EventStopped)
}

func (c *Controller) reset() {
	switch c.State() {
	case StateIdle:
		return
	case StateInitialized, StateStopped:
	default:
		c.stop()
	}

	c.stopDelivery()
	if err := c.registry.ExecuteCommand(pipeline.CmdReset, nil); err != nil {
		c.logger.Warn("reset fan-out", zap.Error(err))
	}
	c.registry.ReleaseNodes()
	c.seek.reset()
	c.clearCompleted()

	c.mu.Lock()
	c.currentUs = 0
	c.duration = 0
	c.protocol = ProtocolUnknown
	c.mu.Unlock()
	c.setState(StateIdle)
}

func (c *Controller) clearCompleted() {
	for k := range c.completed {
		delete(c.completed, k)
	}
}

func (c *Controller) onPlaybackComplete(ev looper.Event) {
	switch c.State() {
	case StateStarted, StatePaused:
	default:
		c.logger.Debug("late completion ignored", zap.Stringer("state", c.State()))
		return
	}

	line := pipeline.Line(ev.Arg1)
	c.completed[line] = true
	for _, l := range pipeline.MediaLines {
		if sinkTerminated(c.registry.Chain(l)) && !c.completed[l] {
			return
		}
	}
	c.clearCompleted()

	if c.Looping() {
		c.logger.Debug("looping")
		c.seekTo(0, true)
		return
	}

	c.setState(StateComplete)
	c.notify(looper.EventPlaybackComplete, 0, 0, nil)

	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Controller) onError(ev looper.Event) {
	c.logger.Error("pipeline error", zap.Any("error", ev.Data))
	if c.State() != StateIdle {
		c.setState(StateError)
	}
	c.notify(looper.EventError, ev.Arg1, ev.Arg2, ev.Data)
}
