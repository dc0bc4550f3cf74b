package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
)

func NewProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <uri>",
		Short: "Build the chains for a source and print them without playing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPlayer(stageOptions(elements.DiscardRenderers))
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := p.SetDataSource(ctx, args[0]); err != nil {
				return err
			}
			if err := p.Prepare(ctx); err != nil {
				return err
			}

			fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("source:"), args[0])
			fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("protocol:"), p.Protocol())
			fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("duration:"), time.Duration(p.Duration())*time.Microsecond)
			fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("state:"), stateColor(p.State()).Sprint(p.State()))
			fmt.Print(p.Summary())
			return nil
		},
	}
}
