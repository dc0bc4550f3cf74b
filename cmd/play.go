package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/elements/rtc"
	"github.com/realtime-ai/nodeplayer/pkg/looper"
	"github.com/realtime-ai/nodeplayer/pkg/player"
	"github.com/realtime-ai/nodeplayer/pkg/server"
)

type playFlags struct {
	loop     bool
	seek     time.Duration
	out      string
	events   string
	realtime bool
}

func NewPlayCommand() *cobra.Command {
	var f playFlags
	cmd := &cobra.Command{
		Use:   "play <uri>",
		Short: "Play a source to completion",
		Long: `Play a source through the registered stages. Audio goes to --out when it
ends in .wav or .webm, video to --out when it ends in .h264; otherwise the
output is discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), args[0], f)
		},
	}
	cmd.Flags().BoolVar(&f.loop, "loop", false, "restart from the beginning at the end of stream")
	cmd.Flags().DurationVar(&f.seek, "seek", 0, "start position")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "output file (.wav, .webm or .h264)")
	cmd.Flags().StringVar(&f.events, "events", "", "serve player events over websocket on this address")
	cmd.Flags().BoolVar(&f.realtime, "realtime", false, "pace output by timestamps")
	return cmd
}

func outputRenderers(out string) (elements.RendererFactory, error) {
	switch strings.ToLower(filepath.Ext(out)) {
	case "":
		if out == "" {
			return elements.DiscardRenderers, nil
		}
	case ".wav":
		return elements.FileRenderers(out, ""), nil
	case ".webm":
		return rtc.WebMRenderers(out, logger), nil
	case ".h264", ".264":
		return elements.FileRenderers("", out), nil
	}
	return nil, errors.Errorf("unsupported output %q", out)
}

func runPlay(ctx context.Context, uri string, f playFlags) error {
	renderers, err := outputRenderers(f.out)
	if err != nil {
		return err
	}
	opts := stageOptions(renderers)
	opts.Realtime = opts.Realtime || f.realtime

	p, err := newPlayer(opts)
	if err != nil {
		return err
	}
	defer p.Close()

	var hub *server.EventHub
	if f.events != "" {
		hub = server.NewEventHub(logger)
		defer hub.Close()
		hub.Attach(p)
	} else {
		p.SetListener(player.ListenerFunc(func(kind looper.EventKind, arg1, arg2 int32, data any) {
			logger.Debug("player event", zap.Stringer("kind", kind), zap.Int32("arg1", arg1), zap.Int32("arg2", arg2))
		}))
	}
	p.SetLooping(f.loop)
	p.SetCallback(func() {
		fmt.Printf("%s at %s\n", color.GreenString("complete"), time.Duration(p.CurrentPosition())*time.Microsecond)
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	done := make(chan struct{})
	if hub != nil {
		g.Go(func() error {
			srvCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-done:
					cancel()
				case <-srvCtx.Done():
				}
			}()
			return server.ListenAndServe(srvCtx, f.events, hub, logger)
		})
	}

	g.Go(func() error {
		defer close(done)
		cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := p.SetDataSource(cmdCtx, uri); err != nil {
			return err
		}
		if f.seek > 0 {
			if err := p.SeekTo(f.seek.Microseconds()); err != nil {
				return err
			}
		}
		if err := p.Prepare(cmdCtx); err != nil {
			return err
		}
		fmt.Printf("%s %s (%s)\n", color.New(color.Bold).Sprint("playing"), uri,
			time.Duration(p.Duration())*time.Microsecond)
		// a seek requested before prepare starts playback when it lands
		if f.seek <= 0 {
			if err := p.Start(cmdCtx); err != nil {
				return err
			}
		}

		waitCtx := ctx
		if cfg.Player.WaitTimeout > 0 {
			var cancelWait context.CancelFunc
			waitCtx, cancelWait = context.WithTimeout(ctx, cfg.Player.WaitTimeout)
			defer cancelWait()
		}
		if err := p.Wait(waitCtx); err != nil && ctx.Err() == nil {
			return err
		}
		st := p.State()
		fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("state:"), stateColor(st).Sprint(st))
		if st == player.StateError {
			return errors.New("playback failed")
		}
		return nil
	})
	return g.Wait()
}
