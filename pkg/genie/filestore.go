package genie

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// State is everything a client keeps between runs.
type State struct {
	Grant GrantDraft `yaml:"grant"`
	Donor DonorDraft `yaml:"donor"`
}

// FileStore keeps client state in a YAML file so an interrupted draft can be
// resumed.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the location of the state file.
func (s *FileStore) Path() string { return s.path }

// Restore reads the saved state. A missing file yields the default state.
func (s *FileStore) Restore() (*State, error) {
	state := &State{Donor: DonorDraft{SessionConfig: DefaultDonorConfig()}}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := yaml.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return state, nil
}

// Persist writes state, replacing the previous file atomically.
func (s *FileStore) Persist(state *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".genie-state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Capture collects the drafts of both coordinators.
func Capture(grant *GrantGenie, donor *DonorGenie) *State {
	return &State{Grant: grant.Draft(), Donor: donor.Draft()}
}

// Apply restores both coordinators from state.
func (st *State) Apply(grant *GrantGenie, donor *DonorGenie) {
	grant.RestoreDraft(st.Grant)
	donor.RestoreDraft(st.Donor)
}
