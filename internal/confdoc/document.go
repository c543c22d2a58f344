// File: internal/confdoc/document.go
package confdoc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// jsonAPI sorts map keys on output so persisted documents are stable. Numbers
// are decoded as json.Number and converted once in FromGo.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// SplitPath turns a dotted field path ("emg.assigned") into its keys.
func SplitPath(dotted string) []string {
	if dotted == "" {
		return nil
	}
	return strings.Split(dotted, ".")
}

// Parse decodes a JSON object into a document.
func Parse(data []byte) (Value, error) {
	var raw any
	if err := jsonAPI.Unmarshal(data, &raw); err != nil {
		return Value{}, err
	}
	if _, ok := raw.(map[string]any); !ok {
		return Value{}, fmt.Errorf("top-level value is %T, not an object", raw)
	}
	return FromGo(raw)
}

// Load reads the document stored at path.
func Load(path string) (Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Value{}, &NotFoundError{Path: path}
		}
		return Value{}, fmt.Errorf("failed to read configuration document %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return Value{}, &ParseError{Path: path, Err: err}
	}
	return doc, nil
}

// Persist writes doc as indented JSON. The content goes to a temporary file in
// the same directory which is then renamed over path, so readers never observe
// a partially written document.
func Persist(path string, doc Value) error {
	data, err := jsonAPI.MarshalIndent(doc.Interface(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode configuration document %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic replaces path with data through a temp file and rename.
func WriteFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Update loads the document at path, merges fragment into it and persists the
// result. A missing document is treated as empty.
func Update(path string, fragment Value) (Value, error) {
	doc, err := Load(path)
	if err != nil {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return Value{}, err
		}
		doc = Map(nil)
	}
	merged := Merge(doc, fragment)
	if err := Persist(path, merged); err != nil {
		return Value{}, err
	}
	return merged, nil
}

// GetField walks path through nested mappings. An empty path returns doc.
func GetField(doc Value, path ...string) (Value, error) {
	cur := doc
	for _, key := range path {
		child, ok := cur.Lookup(key)
		if !ok {
			return Value{}, &MissingFieldError{Path: append([]string(nil), path...), Missing: key}
		}
		cur = child
	}
	return cur, nil
}

// GetStringLists reads the field at path as a list of string lists, reporting
// the full path on kind mismatches.
func GetStringLists(doc Value, path ...string) ([][]string, error) {
	v, err := GetField(doc, path...)
	if err != nil {
		return nil, err
	}
	out, err := v.AsStringLists()
	return out, withPath(err, path)
}

// GetStrings reads the field at path as a list of strings. A single string is
// accepted as a one-element list.
func GetStrings(doc Value, path ...string) ([]string, error) {
	v, err := GetField(doc, path...)
	if err != nil {
		return nil, err
	}
	if s, serr := v.AsString(); serr == nil {
		return []string{s}, nil
	}
	out, err := v.AsStrings()
	return out, withPath(err, path)
}

// GetString reads the field at path as a string.
func GetString(doc Value, path ...string) (string, error) {
	v, err := GetField(doc, path...)
	if err != nil {
		return "", err
	}
	out, err := v.AsString()
	return out, withPath(err, path)
}

func withPath(err error, path []string) error {
	var te *TypeError
	if err == nil || !errors.As(err, &te) {
		return err
	}
	te.Path = append(append([]string(nil), path...), te.Path...)
	return te
}
