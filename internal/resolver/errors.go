package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
)

// DimensionMismatchError reports an attempt whose resolved column count differs
// from its declared length. It is an annotation error and never retried.
type DimensionMismatchError struct {
	Participant  string
	Trial        string
	Kind         Kind
	AttemptIndex int
	Expected     int
	Actual       int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("participant %s, trial %s, %s attempt %d: resolved %d columns, expected %d",
		e.Participant, e.Trial, e.Kind, e.AttemptIndex, e.Actual, e.Expected)
}

// Rejection records why one attempt was not used.
type Rejection struct {
	AttemptIndex int
	Missing      []string
	// Empty is set when the attempt named no channels after truncation.
	Empty bool
}

// NoAssignmentMatchedError reports a trial for which every attempt was rejected.
type NoAssignmentMatchedError struct {
	Participant string
	Trial       string
	Kind        Kind
	Rejections  []Rejection
}

func (e *NoAssignmentMatchedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "participant %s, trial %s: none of %d %s assignments matched",
		e.Participant, e.Trial, len(e.Rejections), e.Kind)
	for _, r := range e.Rejections {
		switch {
		case r.Empty:
			fmt.Fprintf(&b, "; attempt %d has no channels", r.AttemptIndex)
		case len(r.Missing) == 0:
			fmt.Fprintf(&b, "; attempt %d not found", r.AttemptIndex)
		default:
			fmt.Fprintf(&b, "; attempt %d missing %s", r.AttemptIndex, strings.Join(r.Missing, ","))
		}
	}
	return b.String()
}

func asMissing(err error, target **confdoc.MissingFieldError) bool {
	return errors.As(err, target)
}
