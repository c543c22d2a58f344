// File: cmd/project.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/osimpipe/internal/observability"
	"github.com/xkilldash9x/osimpipe/internal/project"
)

func newProjectCmd() *cobra.Command {
	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Create and maintain a project and its process table",
	}
	projectCmd.AddCommand(
		newProjectCreateCmd(),
		newProjectImportCmd(),
		newProjectCheckCmd(),
		newProjectListCmd(),
	)
	return projectCmd
}

// participantIndex turns the --participant flag into the filter CheckAll and
// UpdateParticipants take. A negative index means no filter.
func participantIndex(p *project.Project, idx int) (*int, error) {
	if idx < 0 {
		return nil, nil
	}
	if idx >= len(p.Table().Rows) {
		return nil, fmt.Errorf("participant index %d out of range (table has %d rows)", idx, len(p.Table().Rows))
	}
	return &idx, nil
}

func openProject(cmd *cobra.Command) (*project.Project, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, err
	}
	return project.Open(cfg.Project().Root, observability.GetLogger())
}

func newProjectCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [root]",
		Short: "Create an empty project (defaults to --project)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			root := cfg.Project().Root
			if len(args) == 1 {
				root = args[0]
			}
			p, err := project.Create(root, observability.GetLogger())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project created at %s. Fill in %s to add participants.\n", p.Root(), project.TableFile)
			return nil
		},
	}
}

func newProjectImportCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create directories and configuration documents for new participants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			only, err := participantIndex(p, index)
			if err != nil {
				return err
			}
			added, err := p.UpdateParticipants(only)
			if err != nil {
				return err
			}
			if err := p.CheckAll(only); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d participant(s) added.\n", added)
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "participant", -1, "only handle the participant at this table row (0-based)")
	return cmd
}

func newProjectCheckCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify and record each participant's configuration document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			only, err := participantIndex(p, index)
			if err != nil {
				return err
			}
			if err := p.CheckAll(only); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d participant(s) ready.\n", len(p.ParticipantsToProcess()))
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "participant", -1, "only keep the participant at this table row (0-based) flagged for processing")
	return cmd
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the participants of the process table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tPARTICIPANT\tPROCESS\tCONF FILE")
			for i, row := range p.Table().Rows {
				fmt.Fprintf(tw, "%d\t%s\t%t\t%s\n", i, row.Participant, row.Process, row.ConfFile)
			}
			return tw.Flush()
		},
	}
}
