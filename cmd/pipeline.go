// File: cmd/pipeline.go
package cmd

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/config"
	"github.com/xkilldash9x/osimpipe/internal/confdoc"
	"github.com/xkilldash9x/osimpipe/internal/project"
	"github.com/xkilldash9x/osimpipe/internal/reporting"
	"github.com/xkilldash9x/osimpipe/internal/resolver"
	"github.com/xkilldash9x/osimpipe/internal/trial"
)

// newResolver wires the CSV trial reader and the configured protocol rules.
func newResolver(cfg config.ResolverConfig, logger *zap.Logger) (*resolver.Resolver, error) {
	rules := make(resolver.Rules, 0, len(cfg.Protocols))
	for _, p := range cfg.Protocols {
		rules = append(rules, resolver.DirectoryRule{Dir: p.Directory, Drop: p.DropTrailing})
	}
	return resolver.New(trial.NewCSVReader(logger), logger,
		resolver.WithTruncation(rules),
		resolver.WithPrefix(cfg.Prefix),
	)
}

// selectParticipants returns the participants a batch command works on: the
// named one, or every participant flagged for processing.
func selectParticipants(p *project.Project, name string) ([]string, error) {
	if name == "" {
		return p.ParticipantsToProcess(), nil
	}
	if p.Table().Find(name) < 0 {
		return nil, &project.UnknownParticipantError{Participant: name}
	}
	return []string{name}, nil
}

// trialDirectories reads a kind's data directories from a participant
// document. Relative directories are below the project root.
func trialDirectories(p *project.Project, doc confdoc.Value, kind resolver.Kind) ([]string, error) {
	dirs, err := trial.DataDirectories(doc, kind)
	if err != nil {
		return nil, err
	}
	for i, d := range dirs {
		if d != "" && d[0] != '~' && !filepath.IsAbs(d) {
			dirs[i] = filepath.Join(p.Root(), d)
		}
	}
	return dirs, nil
}

// isMissingField reports whether err is an absent document field.
func isMissingField(err error) bool {
	var mf *confdoc.MissingFieldError
	return errors.As(err, &mf)
}

// reportFlags selects how a batch report is written.
type reportFlags struct {
	format string
	output string
}

func (f *reportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.format, "format", reporting.FormatText, "report format (text, json)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "report file (default stdout)")
}
