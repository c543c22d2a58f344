// File: internal/setupxml/setup.go
package setupxml

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
)

// DocumentTag is the wrapper element of tool setup files.
const DocumentTag = "OpenSimDocument"

// ErrNoToolElement is returned for templates without a tool element.
var ErrNoToolElement = errors.New("setup template has no tool element")

// TimeRange is a closed analysis window in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

func (r TimeRange) String() string {
	return formatFloat(r.Start) + " " + formatFloat(r.End)
}

// Pad widens the window by d seconds on each side. The start never goes below zero.
func (r TimeRange) Pad(d float64) TimeRange {
	if d <= 0 {
		return r
	}
	return TimeRange{Start: math.Max(0, r.Start-d), End: r.End + d}
}

// Params are the per-trial values written into a setup template. Empty fields
// leave the template untouched, and only elements already present in the
// template are changed.
type Params struct {
	Name              string
	ModelFile         string
	MarkerFile        string
	CoordinatesFile   string
	OutputMotionFile  string
	ResultsDirectory  string
	ExternalLoadsFile string
	// DataFile and LoadsKinematicsFile fill ExternalLoads documents.
	DataFile            string
	LoadsKinematicsFile string
	TimeRange           *TimeRange
	LowpassCutoff       float64
	// Overrides sets arbitrary values by path below the tool element. A path
	// ending in "/@name" targets an attribute.
	Overrides map[string]string
}

// Render loads a template and applies p to its tool element.
func Render(template string, p Params) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(template); err != nil {
		return nil, fmt.Errorf("failed to read setup template %s: %w", template, err)
	}
	if err := Apply(doc, p); err != nil {
		return nil, fmt.Errorf("setup template %s: %w", template, err)
	}
	return doc, nil
}

// Apply writes p into an already parsed setup document.
func Apply(doc *etree.Document, p Params) error {
	tool, err := ToolElement(doc)
	if err != nil {
		return err
	}

	if p.Name != "" {
		tool.CreateAttr("name", p.Name)
	}
	setChild(tool, "model_file", p.ModelFile)
	setChild(tool, "marker_file", p.MarkerFile)
	setChild(tool, "coordinates_file", p.CoordinatesFile)
	setChild(tool, "output_motion_file", p.OutputMotionFile)
	setChild(tool, "results_directory", p.ResultsDirectory)
	setChild(tool, "external_loads_file", p.ExternalLoadsFile)
	setChild(tool, "datafile", p.DataFile)
	setChild(tool, "external_loads_model_kinematics_file", p.LoadsKinematicsFile)
	if p.LowpassCutoff > 0 {
		setChild(tool, "lowpass_cutoff_frequency_for_coordinates", formatFloat(p.LowpassCutoff))
	}
	if p.TimeRange != nil {
		setTimeRange(tool, *p.TimeRange)
	}

	keys := make([]string, 0, len(p.Overrides))
	for k := range p.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := SetPath(tool, k, p.Overrides[k]); err != nil {
			return err
		}
	}
	return nil
}

// ToolElement returns the element describing the tool: the first child of the
// document wrapper, or the root itself when there is no wrapper.
func ToolElement(doc *etree.Document) (*etree.Element, error) {
	root := doc.Root()
	if root == nil {
		return nil, ErrNoToolElement
	}
	if root.Tag != DocumentTag {
		return root, nil
	}
	children := root.ChildElements()
	if len(children) == 0 {
		return nil, ErrNoToolElement
	}
	return children[0], nil
}

// SetPath sets the text of the element at path, or one of its attributes when
// the path ends in "/@name".
func SetPath(tool *etree.Element, path, value string) error {
	attr := ""
	if i := strings.LastIndex(path, "/@"); i >= 0 {
		path, attr = path[:i], path[i+2:]
	}
	el := tool
	if path != "" && path != "." {
		compiled, err := etree.CompilePath(path)
		if err != nil {
			return fmt.Errorf("invalid setup path %q: %w", path, err)
		}
		el = tool.FindElementPath(compiled)
	}
	if el == nil {
		return fmt.Errorf("setup element not found at %s", path)
	}
	if attr != "" {
		el.CreateAttr(attr, value)
		return nil
	}
	el.SetText(value)
	return nil
}

func setChild(parent *etree.Element, tag, value string) {
	if value == "" {
		return
	}
	if el := parent.SelectElement(tag); el != nil {
		el.SetText(value)
	}
}

// setTimeRange handles both forms tools use: a single time_range element, or
// initial_time/final_time plus per-analysis start_time/end_time.
func setTimeRange(tool *etree.Element, r TimeRange) {
	if el := tool.SelectElement("time_range"); el != nil {
		el.SetText(r.String())
	}
	setChild(tool, "initial_time", formatFloat(r.Start))
	setChild(tool, "final_time", formatFloat(r.End))
	for _, analysis := range tool.FindElements("AnalysisSet/objects/*") {
		setChild(analysis, "start_time", formatFloat(r.Start))
		setChild(analysis, "end_time", formatFloat(r.End))
	}
}

// TimeRangeFromOnsets reads onset.<stem> as [start, end] from a participant
// document. ok is false when the trial has no onsets.
func TimeRangeFromOnsets(doc confdoc.Value, stem string) (TimeRange, bool, error) {
	v, err := confdoc.GetField(doc, "onset", stem)
	if err != nil {
		var mf *confdoc.MissingFieldError
		if errors.As(err, &mf) {
			return TimeRange{}, false, nil
		}
		return TimeRange{}, false, err
	}
	items, err := v.AsList()
	if err != nil {
		return TimeRange{}, false, fmt.Errorf("onset of %s: %w", stem, err)
	}
	if len(items) != 2 {
		return TimeRange{}, false, fmt.Errorf("onset of %s has %d values, expected start and end", stem, len(items))
	}
	start, err := items[0].AsFloat()
	if err != nil {
		return TimeRange{}, false, fmt.Errorf("onset start of %s: %w", stem, err)
	}
	end, err := items[1].AsFloat()
	if err != nil {
		return TimeRange{}, false, fmt.Errorf("onset end of %s: %w", stem, err)
	}
	if end < start {
		return TimeRange{}, false, fmt.Errorf("onset of %s ends before it starts (%g > %g)", stem, start, end)
	}
	return TimeRange{Start: start, End: end}, true, nil
}

// Write indents doc and saves it, creating the parent directory.
func Write(doc *etree.Document, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	doc.Indent(2)
	if err := doc.WriteToFile(path); err != nil {
		return fmt.Errorf("failed to write setup %s: %w", path, err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
