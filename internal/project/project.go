// File: internal/project/project.go
package project

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
)

const (
	// TableFile is the process table at the project root.
	TableFile = "_conf.csv"
	// DocumentFile is the default participant document name inside its directory.
	DocumentFile = "_conf.json"
)

// ParticipantDirs is the skeleton created for every new participant.
var ParticipantDirs = []string{
	"_xml",
	"_models",
	"0_markers",
	"0_emg",
	"0_forces",
	"1_inverse_kinematic",
	"2_inverse_dynamic",
	"3_static_optimization",
	"4_muscle_analysis",
	"5_joint_reaction_force",
	"temp_optim_wrap",
	"template_temp_optim_wrap",
}

// Source tells where a resolved configuration path came from.
type Source int

const (
	SourceRecorded Source = iota
	SourceDefault
)

func (s Source) String() string {
	if s == SourceDefault {
		return "default"
	}
	return "recorded"
}

// Resolution is the outcome of locating a participant's configuration document.
// Changed is set when Path differs from what the table records.
type Resolution struct {
	Participant string
	Index       int
	Path        string
	Source      Source
	Changed     bool
}

// Project is a handle on a project directory and its process table. It is not
// safe for concurrent mutation; batch runs read documents only after CheckAll.
type Project struct {
	root   string
	table  *Table
	logger *zap.Logger
}

// Create initialises an empty project at root. The directory is created when
// missing and must otherwise be empty.
func Create(root string, logger *zap.Logger) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root %s: %w", root, err)
	}
	entries, err := os.ReadDir(abs)
	switch {
	case err == nil && len(entries) > 0:
		return nil, fmt.Errorf("%w: %s", ErrProjectNotEmpty, abs)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to inspect project root %s: %w", abs, err)
	}

	for _, dir := range []string{abs, filepath.Join(abs, "_templates"), filepath.Join(abs, "_models")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	p := &Project{
		root:   abs,
		table:  &Table{Header: append([]string(nil), Columns...)},
		logger: logger.With(zap.String("component", "Project")),
	}
	if err := p.Save(); err != nil {
		return nil, err
	}
	p.logger.Info("Project created.", zap.String("root", abs))
	return p, nil
}

// Open loads the project rooted at root.
func Open(root string, logger *zap.Logger) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNoProject, abs)
	}

	data, err := os.ReadFile(filepath.Join(abs, TableFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no %s", ErrNoProject, abs, TableFile)
		}
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}
	table, err := ReadTable(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &Project{
		root:   abs,
		table:  table,
		logger: logger.With(zap.String("component", "Project")),
	}, nil
}

// Root returns the absolute project directory.
func (p *Project) Root() string { return p.root }

// Table exposes the in-memory process table.
func (p *Project) Table() *Table { return p.table }

// ParticipantDir returns the directory holding a participant's data and outputs.
func (p *Project) ParticipantDir(participant string) string {
	return filepath.Join(p.root, participant)
}

// Save writes the process table back to disk.
func (p *Project) Save() error {
	data, err := p.table.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode process table: %w", err)
	}
	if err := confdoc.WriteFileAtomic(filepath.Join(p.root, TableFile), data); err != nil {
		return fmt.Errorf("failed to save process table: %w", err)
	}
	return nil
}

// Participants returns every participant in table order.
func (p *Project) Participants() []string {
	out := make([]string, len(p.table.Rows))
	for i, row := range p.table.Rows {
		out[i] = row.Participant
	}
	return out
}

// ParticipantsToProcess returns the participants flagged for processing, in table order.
func (p *Project) ParticipantsToProcess() []string {
	var out []string
	for _, row := range p.table.Rows {
		if row.Process {
			out = append(out, row.Participant)
		}
	}
	return out
}

// Column returns a raw column of the process table.
func (p *Project) Column(name string) ([]string, error) {
	return p.table.Column(name)
}

// ResolveConfPath locates a participant's configuration document without
// touching the table or the filesystem beyond existence checks.
func (p *Project) ResolveConfPath(participant string) (Resolution, error) {
	idx := p.table.Find(participant)
	if idx < 0 {
		return Resolution{}, &UnknownParticipantError{Participant: participant}
	}
	return p.resolveRow(idx)
}

func (p *Project) resolveRow(idx int) (Resolution, error) {
	row := p.table.Rows[idx]
	var tried []string

	if row.ConfFile != "" {
		recorded := row.ConfFile
		if !filepath.IsAbs(recorded) {
			recorded = filepath.Join(p.root, recorded)
		}
		if isFile(recorded) {
			return Resolution{Participant: row.Participant, Index: idx, Path: recorded, Source: SourceRecorded}, nil
		}
		tried = append(tried, recorded)
	}

	def := filepath.Join(p.ParticipantDir(row.Participant), DocumentFile)
	if isFile(def) {
		return Resolution{
			Participant: row.Participant,
			Index:       idx,
			Path:        def,
			Source:      SourceDefault,
			Changed:     def != row.ConfFile,
		}, nil
	}
	tried = append(tried, def)
	return Resolution{}, &ConfigurationMissingError{Participant: row.Participant, Tried: tried}
}

// Apply records a resolution in the in-memory table. Call Save to persist it.
func (p *Project) Apply(res Resolution) {
	if res.Index < 0 || res.Index >= len(p.table.Rows) || p.table.Rows[res.Index].Participant != res.Participant {
		res.Index = p.table.Find(res.Participant)
		if res.Index < 0 {
			return
		}
	}
	p.table.Rows[res.Index].ConfFile = res.Path
}

// ConfPath returns the recorded configuration path of a participant.
func (p *Project) ConfPath(participant string) (string, error) {
	idx := p.table.Find(participant)
	if idx < 0 {
		return "", &UnknownParticipantError{Participant: participant}
	}
	recorded := p.table.Rows[idx].ConfFile
	if recorded == "" {
		return "", &ConfigurationMissingError{Participant: participant}
	}
	if !filepath.IsAbs(recorded) {
		recorded = filepath.Join(p.root, recorded)
	}
	return recorded, nil
}

// CheckAll ensures every participant flagged for processing has a recorded,
// existing configuration document. When only is non-nil, every other row is
// switched off. Failures are collected per participant; the table is saved in
// every case.
func (p *Project) CheckAll(only *int) error {
	var errs []error
	for i := range p.table.Rows {
		row := &p.table.Rows[i]
		if only != nil && i != *only {
			row.Process = false
			continue
		}
		if !row.Process {
			continue
		}

		res, err := p.resolveRow(i)
		if err != nil {
			p.logger.Warn("Participant configuration unavailable.",
				zap.String("participant", row.Participant), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if !res.Changed {
			p.logger.Debug("Participant configuration found.", zap.String("participant", row.Participant))
			continue
		}

		p.Apply(res)
		fragment := confdoc.Map(map[string]confdoc.Value{ColConfFile: confdoc.String(res.Path)})
		if _, err := confdoc.Update(res.Path, fragment); err != nil {
			errs = append(errs, &ParticipantError{Participant: row.Participant, Err: err})
			continue
		}
		p.logger.Info("Participant configuration path updated.",
			zap.String("participant", row.Participant),
			zap.String("path", res.Path),
			zap.Stringer("source", res.Source))
	}

	if err := p.Save(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UpdateParticipants creates the directory skeleton and the template document
// for every participant flagged for processing that has no directory yet. It
// returns the number of participants added.
func (p *Project) UpdateParticipants(only *int) (int, error) {
	added := 0
	for i, row := range p.table.Rows {
		if !row.Process || (only != nil && i != *only) {
			continue
		}
		dir := p.ParticipantDir(row.Participant)
		if _, err := os.Stat(dir); err == nil {
			continue
		}

		for _, sub := range append([]string{""}, ParticipantDirs...) {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
				return added, &ParticipantError{Participant: row.Participant, Err: err}
			}
		}
		if err := confdoc.Persist(filepath.Join(dir, DocumentFile), row.Document(p.table.Header)); err != nil {
			return added, &ParticipantError{Participant: row.Participant, Err: err}
		}
		added++
		p.logger.Info("Participant added.", zap.String("participant", row.Participant), zap.String("dir", dir))
	}
	return added, nil
}

// Document loads a participant's configuration document through the recorded path.
func (p *Project) Document(participant string) (confdoc.Value, error) {
	path, err := p.ConfPath(participant)
	if err != nil {
		return confdoc.Value{}, err
	}
	doc, err := confdoc.Load(path)
	if err != nil {
		return confdoc.Value{}, &ParticipantError{Participant: participant, Err: err}
	}
	return doc, nil
}

// ConfField reads one field from a participant's document.
func (p *Project) ConfField(participant string, path ...string) (confdoc.Value, error) {
	doc, err := p.Document(participant)
	if err != nil {
		return confdoc.Value{}, err
	}
	v, err := confdoc.GetField(doc, path...)
	if err != nil {
		return confdoc.Value{}, &ParticipantError{Participant: participant, Err: err}
	}
	return v, nil
}

// AddConfField merges one fragment into each listed participant's document.
// Participants are processed in name order and failures are collected.
func (p *Project) AddConfField(fragments map[string]confdoc.Value) error {
	names := make([]string, 0, len(fragments))
	for name := range fragments {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		path, err := p.ConfPath(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := confdoc.Update(path, fragments[name]); err != nil {
			errs = append(errs, &ParticipantError{Participant: name, Err: err})
			continue
		}
		p.logger.Debug("Participant configuration merged.", zap.String("participant", name))
	}
	return errors.Join(errs...)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
