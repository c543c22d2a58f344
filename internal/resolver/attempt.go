// File: internal/resolver/attempt.go
package resolver

import (
	"fmt"
	"path/filepath"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
)

// Kind is a data kind with its own channel assignments.
type Kind string

const (
	KindMarkers Kind = "markers"
	KindEMG     Kind = "emg"
	KindAnalogs Kind = "analogs"
)

// Kinds lists every supported data kind.
var Kinds = []Kind{KindMarkers, KindEMG, KindAnalogs}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown data kind %q (expected markers, emg or analogs)", s)
}

// Attempt is one ordered channel assignment. An empty entry reserves an output
// column with no source channel.
type Attempt []string

// Names returns the non-empty channel names in order.
func (a Attempt) Names() []string {
	out := make([]string, 0, len(a))
	for _, name := range a {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Placeholders returns the indices of the empty entries in ascending order.
func (a Attempt) Placeholders() []int {
	var out []int
	for i, name := range a {
		if name == "" {
			out = append(out, i)
		}
	}
	return out
}

// AttemptsFromDocument reads the ordered assignments stored under <kind>.assigned.
func AttemptsFromDocument(doc confdoc.Value, kind Kind) ([]Attempt, error) {
	lists, err := confdoc.GetStringLists(doc, string(kind), "assigned")
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, len(lists))
	for i, l := range lists {
		out[i] = Attempt(l)
	}
	return out, nil
}

// TargetsFromDocument reads the optional output labels stored under <kind>.targets.
func TargetsFromDocument(doc confdoc.Value, kind Kind) ([]string, error) {
	targets, err := confdoc.GetStrings(doc, string(kind), "targets")
	if err != nil {
		var mf *confdoc.MissingFieldError
		if asMissing(err, &mf) {
			return nil, nil
		}
		return nil, err
	}
	return targets, nil
}

// Truncation adjusts an attempt for the capture protocol a trial was recorded with.
type Truncation interface {
	Truncate(trial string, attempt Attempt) Attempt
}

// NoTruncation leaves attempts untouched.
type NoTruncation struct{}

func (NoTruncation) Truncate(_ string, a Attempt) Attempt { return a }

// DropTrailing removes the last N entries of every attempt.
type DropTrailing struct {
	N int
}

func (d DropTrailing) Truncate(_ string, a Attempt) Attempt {
	if d.N <= 0 {
		return a
	}
	if d.N >= len(a) {
		return Attempt{}
	}
	return a[:len(a)-d.N]
}

// DirectoryRule drops trailing entries for trials stored in a directory named Dir.
type DirectoryRule struct {
	Dir  string
	Drop int
}

func (r DirectoryRule) matches(trial string) bool {
	return filepath.Base(filepath.Dir(trial)) == r.Dir
}

func (r DirectoryRule) Truncate(trial string, a Attempt) Attempt {
	if !r.matches(trial) {
		return a
	}
	return DropTrailing{N: r.Drop}.Truncate(trial, a)
}

// Rules applies the first directory rule matching the trial.
type Rules []DirectoryRule

func (rs Rules) Truncate(trial string, a Attempt) Attempt {
	for _, r := range rs {
		if r.matches(trial) {
			return r.Truncate(trial, a)
		}
	}
	return a
}
