package reporting

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/xkilldash9x/osimpipe/internal/engine"
)

type textReporter struct {
	w io.WriteCloser
}

// Write prints one line per job and a summary.
func (r *textReporter) Write(report *engine.Report) error {
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tATTEMPT\tNAN COLUMNS\tOUTPUT\tDURATION")
	for _, res := range report.Results {
		attempt := "-"
		if idx := attemptOf(res); idx != nil {
			attempt = fmt.Sprint(*idx)
		}
		output := res.Outcome.Output
		if res.Err != nil {
			output = res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\n",
			res.Job.ID(), res.Status, attempt, res.Outcome.Placeholders, output, res.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(r.w, "\nRun %s: %d of %d jobs succeeded.\n", report.RunID, report.Succeeded(), len(report.Results))
	return err
}

func (r *textReporter) Close() error {
	return r.w.Close()
}

// attemptOf returns the matched attempt of a successful channel export.
func attemptOf(res engine.JobResult) *int {
	if res.Status != engine.StatusSucceeded || res.Job.Kind == "" {
		return nil
	}
	idx := res.Outcome.AttemptIndex
	return &idx
}
