// File: cmd/conf.go
package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
)

func newConfCmd() *cobra.Command {
	confCmd := &cobra.Command{
		Use:   "conf",
		Short: "Read and update participant configuration documents",
	}
	confCmd.AddCommand(newConfGetCmd(), newConfMergeCmd())
	return confCmd
}

func newConfGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <participant> [key.path]",
		Short: "Print a field of a participant's document as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			var path []string
			if len(args) == 2 {
				path = confdoc.SplitPath(args[1])
			}
			v, err := p.ConfField(args[0], path...)
			if err != nil {
				return err
			}
			data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v.Interface(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode field: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <participant> <json-object>",
		Short: "Merge a JSON object into a participant's document",
		Example: `  osimpipe conf merge dapo '{"emg": {"targets": ["deltant", "deltmed"]}}'
  osimpipe conf merge dapo '{"onset": {"walk1": [0.4, 1.9]}}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fragment, err := confdoc.Parse([]byte(args[1]))
			if err != nil {
				return err
			}
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			return p.AddConfField(map[string]confdoc.Value{args[0]: fragment})
		},
	}
}
