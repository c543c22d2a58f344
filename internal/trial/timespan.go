package trial

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrNoFrames is returned by TimeSpan for files without timed rows.
var ErrNoFrames = errors.New("no timed frames")

// TimeSpan returns the first and last sample time of a motion (.mot, .sto) or
// marker (.trc) file. The label row is the first row with a column named
// "time" (any case); rows below it with a numeric value in that column are
// frames.
func TimeSpan(path string) (first, last float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	col := -1
	frames := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if col < 0 {
			for i, name := range fields {
				if strings.EqualFold(name, TimeColumn) {
					col = i
					break
				}
			}
			continue
		}
		if col >= len(fields) {
			continue
		}
		t, perr := strconv.ParseFloat(fields[col], 64)
		if perr != nil {
			continue
		}
		if frames == 0 {
			first = t
		}
		last = t
		frames++
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if frames == 0 {
		return 0, 0, fmt.Errorf("%s: %w", path, ErrNoFrames)
	}
	return first, last, nil
}
