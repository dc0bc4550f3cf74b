package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/elements/rtc"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

func NewStubsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stubs",
		Short: "List the registered stage stubs in lookup order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := pipeline.NewRegistry(pipeline.RegistryOptions{Logger: logger})
			if err := elements.Register(r, rtc.Stubs(stageOptions(nil))...); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			header := color.New(color.Bold)
			header.Fprintln(w, "TYPE\tROLE\tNAME\tVERSION\tPOOL")
			for _, s := range r.Stubs() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					s.Type, s.Role, color.New(color.FgCyan).Sprint(s.Name), s.Version, s.UsesPool)
			}
			return w.Flush()
		},
	}
}
