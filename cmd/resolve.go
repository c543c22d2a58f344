// File: cmd/resolve.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/osimpipe/internal/observability"
	"github.com/xkilldash9x/osimpipe/internal/resolver"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <participant> <markers|emg|analogs> <trial>",
		Short: "Show which channel assignment a trial resolves to",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			kind, err := resolver.ParseKind(args[1])
			if err != nil {
				return err
			}
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			doc, err := p.Document(args[0])
			if err != nil {
				return err
			}
			attempts, err := resolver.AttemptsFromDocument(doc, kind)
			if err != nil {
				return err
			}
			targets, err := resolver.TargetsFromDocument(doc, kind)
			if err != nil {
				return err
			}

			r, err := newResolver(cfg.Resolver(), observability.GetLogger())
			if err != nil {
				return err
			}
			res, err := r.Resolve(cmd.Context(), resolver.Request{
				Participant: args[0],
				Kind:        kind,
				Trial:       args[2],
				Attempts:    attempts,
				Targets:     targets,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Attempt %d of %d matched: %d frames at %g Hz, %d incomplete.\n",
				res.AttemptIndex+1, len(attempts), res.Frames(), res.Rate, len(res.IncompleteFrames()))
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tCOLUMN\tCHANNEL")
			for i, c := range res.Columns {
				source := c.Source
				if c.Placeholder {
					source = "(NaN)"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i, c.Label, source)
			}
			return tw.Flush()
		},
	}
}
