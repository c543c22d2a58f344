// File: internal/resolver/resolver.go
package resolver

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Extraction is what a trial reader returns for a set of channel names: either
// the channels were all found, or some were missing. An I/O failure is reported
// as an error instead.
type Extraction struct {
	Found bool
	// Columns holds one sample slice per requested name, in request order.
	Columns [][]float64
	Rate    float64
	Missing []string
}

// Found builds a successful extraction.
func Found(rate float64, columns ...[]float64) Extraction {
	return Extraction{Found: true, Columns: columns, Rate: rate}
}

// NotFound builds an extraction naming the channels that were absent.
func NotFound(missing ...string) Extraction {
	return Extraction{Missing: missing}
}

// Extractor reads named channels from a trial file.
type Extractor interface {
	Extract(ctx context.Context, trial string, names []string, prefix string) (Extraction, error)
}

// Column describes one output column of a resolved trial.
type Column struct {
	Label       string
	Source      string
	Placeholder bool
}

// Result is a trial resolved against one attempt.
type Result struct {
	Participant  string
	Trial        string
	Kind         Kind
	AttemptIndex int
	Columns      []Column
	// Samples is frames x columns with NaN in placeholder columns. It is nil for a trial without frames.
	Samples *mat.Dense
	Rate    float64
}

// Labels returns the output column labels.
func (r *Result) Labels() []string {
	out := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		out[i] = c.Label
	}
	return out
}

// Placeholders returns the indices of the NaN-filled columns.
func (r *Result) Placeholders() []int {
	var out []int
	for i, c := range r.Columns {
		if c.Placeholder {
			out = append(out, i)
		}
	}
	return out
}

// Frames returns the number of sample rows.
func (r *Result) Frames() int {
	if r.Samples == nil {
		return 0
	}
	rows, _ := r.Samples.Dims()
	return rows
}

// IncompleteFrames returns the frames where a bound channel has no sample.
func (r *Result) IncompleteFrames() []int {
	var out []int
	for i := 0; i < r.Frames(); i++ {
		row := mat.Row(nil, i, r.Samples)
		for j, c := range r.Columns {
			if c.Placeholder {
				row[j] = 0
			}
		}
		if floats.HasNaN(row) {
			out = append(out, i)
		}
	}
	return out
}

// Request is one trial to resolve.
type Request struct {
	Participant string
	Kind        Kind
	Trial       string
	Attempts    []Attempt
	// Targets optionally names the output columns. When set it must have one
	// label per attempt entry.
	Targets []string
}

// Resolver picks the first attempt whose channels all exist in a trial.
type Resolver struct {
	extractor  Extractor
	truncation Truncation
	prefix     string
	logger     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTruncation sets the protocol truncation policy.
func WithTruncation(t Truncation) Option {
	return func(r *Resolver) {
		if t != nil {
			r.truncation = t
		}
	}
}

// WithPrefix sets the label separator stripped by the extractor.
func WithPrefix(prefix string) Option {
	return func(r *Resolver) { r.prefix = prefix }
}

// New creates a resolver reading trials through extractor.
func New(extractor Extractor, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	if extractor == nil {
		return nil, fmt.Errorf("resolver requires a non-nil extractor")
	}
	r := &Resolver{
		extractor:  extractor,
		truncation: NoTruncation{},
		logger:     logger.With(zap.String("component", "Resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve tries the request's attempts in order. The first attempt whose
// channels are all present wins. A column count that disagrees with the attempt
// is fatal for the trial. When nothing matches a *NoAssignmentMatchedError
// lists what each attempt was missing.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	log := r.logger.With(
		zap.String("participant", req.Participant),
		zap.String("kind", string(req.Kind)),
		zap.String("trial", req.Trial),
	)

	// targets follow the same protocol truncation as the attempts
	var targets Attempt
	if len(req.Targets) > 0 {
		targets = r.truncation.Truncate(req.Trial, Attempt(req.Targets))
	}

	rejections := make([]Rejection, 0, len(req.Attempts))
	for i, raw := range req.Attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempt := r.truncation.Truncate(req.Trial, raw)
		names := attempt.Names()
		if len(names) == 0 {
			log.Debug("Attempt rejected: no channels assigned.", zap.Int("attempt", i))
			rejections = append(rejections, Rejection{AttemptIndex: i, Empty: true})
			continue
		}

		ext, err := r.extractor.Extract(ctx, req.Trial, names, r.prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to read trial %s (attempt %d): %w", req.Trial, i, err)
		}
		if !ext.Found {
			log.Debug("Attempt rejected.", zap.Int("attempt", i), zap.Strings("missing", ext.Missing))
			rejections = append(rejections, Rejection{AttemptIndex: i, Missing: ext.Missing})
			continue
		}

		placeholders := attempt.Placeholders()
		if got := len(ext.Columns) + len(placeholders); got != len(attempt) {
			return nil, &DimensionMismatchError{
				Participant:  req.Participant,
				Trial:        req.Trial,
				Kind:         req.Kind,
				AttemptIndex: i,
				Expected:     len(attempt),
				Actual:       got,
			}
		}
		if targets != nil && len(targets) != len(attempt) {
			return nil, &DimensionMismatchError{
				Participant:  req.Participant,
				Trial:        req.Trial,
				Kind:         req.Kind,
				AttemptIndex: i,
				Expected:     len(targets),
				Actual:       len(attempt),
			}
		}

		samples, err := assemble(attempt, ext.Columns)
		if err != nil {
			return nil, fmt.Errorf("trial %s attempt %d: %w", req.Trial, i, err)
		}

		res := &Result{
			Participant:  req.Participant,
			Trial:        req.Trial,
			Kind:         req.Kind,
			AttemptIndex: i,
			Columns:      make([]Column, len(attempt)),
			Samples:      samples,
			Rate:         ext.Rate,
		}
		for j, name := range attempt {
			col := Column{Label: name, Source: name, Placeholder: name == ""}
			if targets != nil {
				col.Label = targets[j]
			}
			res.Columns[j] = col
		}

		log.Info("Channel assignment resolved.",
			zap.Int("attempt", i),
			zap.Ints("nan_columns", placeholders),
			zap.Int("frames", res.Frames()))
		return res, nil
	}

	return nil, &NoAssignmentMatchedError{
		Participant: req.Participant,
		Trial:       req.Trial,
		Kind:        req.Kind,
		Rejections:  rejections,
	}
}

// assemble lays extracted channels out in attempt order, filling placeholder
// positions with NaN.
func assemble(attempt Attempt, columns [][]float64) (*mat.Dense, error) {
	frames := -1
	for _, c := range columns {
		if frames >= 0 && len(c) != frames {
			return nil, fmt.Errorf("extracted channels have unequal lengths (%d and %d)", frames, len(c))
		}
		frames = len(c)
	}
	if frames <= 0 {
		return nil, nil
	}

	out := mat.NewDense(frames, len(attempt), nil)
	nan := make([]float64, frames)
	for i := range nan {
		nan[i] = math.NaN()
	}
	next := 0
	for j, name := range attempt {
		if name == "" {
			out.SetCol(j, nan)
			continue
		}
		out.SetCol(j, columns[next])
		next++
	}
	return out, nil
}
