package reporting

import (
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/osimpipe/internal/engine"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// RunDocument is the JSON form of a run report.
type RunDocument struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Jobs       []JobDocument `json:"jobs"`
}

// JobDocument is the JSON form of one job result.
type JobDocument struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Participant  string `json:"participant"`
	Trial        string `json:"trial"`
	Status       string `json:"status"`
	Attempt      *int   `json:"attempt,omitempty"`
	Placeholders []int  `json:"placeholders,omitempty"`
	Frames       int    `json:"frames,omitempty"`
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

type jsonReporter struct {
	w io.WriteCloser
}

func (r *jsonReporter) Write(report *engine.Report) error {
	enc := jsonAPI.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewRunDocument(report))
}

func (r *jsonReporter) Close() error {
	return r.w.Close()
}

// NewRunDocument converts a report to its JSON form.
func NewRunDocument(report *engine.Report) RunDocument {
	doc := RunDocument{
		RunID:      report.RunID.String(),
		StartedAt:  report.StartedAt.UTC(),
		FinishedAt: report.FinishedAt.UTC(),
		Succeeded:  report.Succeeded(),
		Failed:     len(report.Failed()),
		Jobs:       make([]JobDocument, 0, len(report.Results)),
	}
	for _, res := range report.Results {
		jd := JobDocument{
			ID:           res.Job.ID(),
			Type:         string(res.Job.Type),
			Participant:  res.Job.Participant,
			Trial:        res.Job.Trial,
			Status:       string(res.Status),
			Attempt:      attemptOf(res),
			Placeholders: res.Outcome.Placeholders,
			Frames:       res.Outcome.Frames,
			Output:       res.Outcome.Output,
			DurationMS:   res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			jd.Error = res.Err.Error()
		}
		doc.Jobs = append(doc.Jobs, jd)
	}
	return doc
}
