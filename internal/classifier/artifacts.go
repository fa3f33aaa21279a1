package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"threatwatch/internal/model"
)

const (
	modelFile    = "model.json"
	scalerFile   = "scaler.json"
	metadataFile = "metadata.json"
)

var ErrTornArtifacts = errors.New("model artifacts disagree on version")

// TornError reports an artifact set whose files disagree on version.
// Floor is the persisted metadata with Version raised to the highest
// version found in any of the three files.
type TornError struct {
	ModelVersion    int
	ScalerVersion   int
	MetadataVersion int
	Floor           model.ModelMetadata
}

func (e *TornError) Error() string {
	return fmt.Sprintf("%s: model %d, scaler %d, metadata %d", ErrTornArtifacts, e.ModelVersion, e.ScalerVersion, e.MetadataVersion)
}

func (e *TornError) Is(target error) bool { return target == ErrTornArtifacts }

// Artifacts persists snapshots under a directory. The metadata file is
// written last and its version must match the other two files on load.
type Artifacts struct {
	dir string
}

func NewArtifacts(dir string) *Artifacts {
	return &Artifacts{dir: dir}
}

func (a *Artifacts) Dir() string { return a.dir }

type scalerDoc struct {
	Version int `json:"version"`
	Scaler
}

func (a *Artifacts) Save(s *Snapshot) error {
	if s == nil || s.Model == nil {
		return errors.New("nothing to save")
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}
	version := s.Metadata.Version
	modelData, err := encodeModel(s.Model, version)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	scalerData, err := json.MarshalIndent(scalerDoc{Version: version, Scaler: s.Scaler}, "", "  ")
	if err != nil {
		return err
	}
	metaData, err := json.MarshalIndent(s.Metadata, "", "  ")
	if err != nil {
		return err
	}

	// Stage everything first so a failed write leaves the old set in place.
	staged := []struct {
		name string
		data []byte
	}{{modelFile, modelData}, {scalerFile, scalerData}, {metadataFile, metaData}}
	for _, f := range staged {
		if err := os.WriteFile(a.path(f.name)+".tmp", f.data, 0o644); err != nil {
			a.cleanup()
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	for _, f := range staged {
		if err := os.Rename(a.path(f.name)+".tmp", a.path(f.name)); err != nil {
			a.cleanup()
			return fmt.Errorf("commit %s: %w", f.name, err)
		}
	}
	return nil
}

// Load returns (nil, nil) when nothing has been persisted yet.
func (a *Artifacts) Load() (*Snapshot, error) {
	metaData, err := os.ReadFile(a.path(metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var md model.ModelMetadata
	if err := json.Unmarshal(metaData, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	modelData, err := os.ReadFile(a.path(modelFile))
	if err != nil {
		return nil, err
	}
	m, modelVersion, err := decodeModel(modelData)
	if err != nil {
		return nil, err
	}

	scalerData, err := os.ReadFile(a.path(scalerFile))
	if err != nil {
		return nil, err
	}
	var sd scalerDoc
	if err := json.Unmarshal(scalerData, &sd); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	if modelVersion != md.Version || sd.Version != md.Version {
		floor := md
		floor.Version = max(md.Version, modelVersion, sd.Version)
		return nil, &TornError{ModelVersion: modelVersion, ScalerVersion: sd.Version, MetadataVersion: md.Version, Floor: floor}
	}
	if !sd.Scaler.valid() {
		return nil, errors.New("scaler has wrong width")
	}
	if md.Variant == "" {
		md.Variant = m.Variant()
	}
	return &Snapshot{Model: m, Scaler: sd.Scaler, Metadata: md}, nil
}

func (a *Artifacts) path(name string) string {
	return filepath.Join(a.dir, name)
}

func (a *Artifacts) cleanup() {
	for _, name := range []string{modelFile, scalerFile, metadataFile} {
		_ = os.Remove(a.path(name) + ".tmp")
	}
}
