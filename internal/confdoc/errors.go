package confdoc

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// NotFoundError reports a configuration document that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("configuration document %s does not exist", e.Path)
}

func (e *NotFoundError) Unwrap() error { return fs.ErrNotExist }

// ParseError reports a document that exists but is not a JSON object.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse configuration document %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingFieldError reports the first key of a field path absent from a document.
type MissingFieldError struct {
	Path    []string
	Missing string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("field %q missing while reading %q", e.Missing, strings.Join(e.Path, "."))
}

// TypeError reports a field holding a different kind than the caller expected.
type TypeError struct {
	Path []string
	Want Kind
	Got  Kind
}

func (e *TypeError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("expected %s, found %s", e.Want, e.Got)
	}
	return fmt.Sprintf("field %q: expected %s, found %s", strings.Join(e.Path, "."), e.Want, e.Got)
}

func asTypeError(err error, target **TypeError) bool {
	return errors.As(err, target)
}
