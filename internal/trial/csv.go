// File: internal/trial/csv.go
package trial

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/resolver"
)

// TimeColumn is the optional first column holding sample timestamps in seconds.
const TimeColumn = "time"

// CSVReader reads channel exports: a header row of channel labels followed by
// one row of samples per frame.
type CSVReader struct {
	logger *zap.Logger
}

// NewCSVReader creates a reader.
func NewCSVReader(logger *zap.Logger) *CSVReader {
	return &CSVReader{logger: logger.With(zap.String("component", "CSVReader"))}
}

// Channel normalises a recorded label. With a prefix, everything up to and
// including its last occurrence is dropped, so "dapo:ASISl" reads as "ASISl"
// for the prefix ":".
func Channel(label, prefix string) string {
	label = strings.TrimSpace(label)
	if prefix == "" {
		return label
	}
	if i := strings.LastIndex(label, prefix); i >= 0 {
		return label[i+len(prefix):]
	}
	return label
}

// Channels lists the normalised labels available in a trial.
func (r *CSVReader) Channels(trial, prefix string) ([]string, error) {
	f, err := os.Open(trial)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := newCSV(f).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", trial, err)
	}
	out := make([]string, 0, len(header))
	for i, h := range header {
		if i == 0 && isTime(h) {
			continue
		}
		out = append(out, Channel(h, prefix))
	}
	return out, nil
}

// Extract implements resolver.Extractor.
func (r *CSVReader) Extract(ctx context.Context, trial string, names []string, prefix string) (resolver.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return resolver.Extraction{}, err
	}
	f, err := os.Open(trial)
	if err != nil {
		return resolver.Extraction{}, err
	}
	defer f.Close()

	cr := newCSV(f)
	header, err := cr.Read()
	if err != nil {
		return resolver.Extraction{}, fmt.Errorf("failed to read header of %s: %w", trial, err)
	}

	hasTime := len(header) > 0 && isTime(header[0])
	index := make(map[string]int, len(header))
	for i, h := range header {
		if i == 0 && hasTime {
			continue
		}
		ch := Channel(h, prefix)
		if _, dup := index[ch]; !dup {
			index[ch] = i
		}
	}

	var missing []string
	positions := make([]int, len(names))
	for i, n := range names {
		pos, ok := index[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		positions[i] = pos
	}
	if len(missing) > 0 {
		return resolver.NotFound(missing...), nil
	}

	columns := make([][]float64, len(names))
	var times []float64
	for line := 2; ; line++ {
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return resolver.Extraction{}, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return resolver.Extraction{}, fmt.Errorf("failed to read %s: %w", trial, err)
		}
		for i, pos := range positions {
			v, err := parseSample(cell(rec, pos))
			if err != nil {
				return resolver.Extraction{}, fmt.Errorf("%s line %d, channel %s: %w", trial, line, names[i], err)
			}
			columns[i] = append(columns[i], v)
		}
		if hasTime && len(times) < 2 {
			if t, err := parseSample(cell(rec, 0)); err == nil {
				times = append(times, t)
			}
		}
	}

	var rate float64
	if len(times) == 2 && times[1] > times[0] {
		rate = 1 / (times[1] - times[0])
	}
	r.logger.Debug("Trial channels extracted.",
		zap.String("trial", trial),
		zap.Int("channels", len(names)),
		zap.Float64("rate", rate))
	return resolver.Found(rate, columns...), nil
}

func newCSV(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true
	return cr
}

func isTime(label string) bool {
	return strings.EqualFold(strings.TrimSpace(label), TimeColumn)
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func parseSample(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
