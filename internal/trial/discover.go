package trial

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
	"github.com/xkilldash9x/osimpipe/internal/resolver"
)

// DefaultPattern matches channel exports.
const DefaultPattern = "*.csv"

// Discover lists the trial files in dir matching pattern, sorted by path.
func Discover(dir, pattern string) ([]string, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", dir, err)
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := filepath.Glob(filepath.Join(expanded, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid trial pattern %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// DataDirectories reads <kind>.data from a participant document. The field may
// hold one directory or a list of them.
func DataDirectories(doc confdoc.Value, kind resolver.Kind) ([]string, error) {
	return confdoc.GetStrings(doc, string(kind), "data")
}

// Stem returns a trial's file name without its extension.
func Stem(trial string) string {
	base := filepath.Base(trial)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
