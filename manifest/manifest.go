// Package manifest implements the acquisition manifest: a per-session
// JSON document listing the projectors and cameras attached at
// acquisition time, their timing configuration, and the structured
// light method in use, written by the Control Surface into the session
// directory at the start of every batch. Grounded on the JSON-document-as-state idiom of
// appengine/seeall's push API and cmd/lepton/main.go's
// json.MarshalIndent config-file writer.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sl3dscan/acquire/topology"
)

// ProjectorInfo is one projector's timing configuration as it was at
// the start of the session.
type ProjectorInfo struct {
	ID              uint16        `json:"id"`
	RefreshPeriod   time.Duration `json:"refresh_period"`
	Delay           time.Duration `json:"delay"`
	Exposure        time.Duration `json:"exposure"`
	ConcurrentDelay bool          `json:"concurrent_delay"`
	Cameras         []uint16      `json:"cameras"`
}

// CameraInfo is one camera's identity as it was at the start of the
// session.
type CameraInfo struct {
	ID               uint16 `json:"id"`
	ProjectorID      uint16 `json:"projector_id"`
	UniqueIdentifier string `json:"unique_identifier"`
}

// Manifest describes one acquisition session.
type Manifest struct {
	Session    string          `json:"session"`
	Method     string          `json:"method"`
	CreatedAt  time.Time       `json:"created_at"`
	Projectors []ProjectorInfo `json:"projectors"`
	Cameras    []CameraInfo    `json:"cameras"`
}

// New builds a Manifest from a snapshot of the topology table taken at
// the moment a batch acquisition begins. createdAt is passed in rather
// than read from time.Now() so callers control the timestamp precision
// and testability.
func New(session, method string, createdAt time.Time, projectors []topology.Projector, cameras []topology.Camera) Manifest {
	m := Manifest{
		Session:    session,
		Method:     method,
		CreatedAt:  createdAt,
		Projectors: make([]ProjectorInfo, len(projectors)),
		Cameras:    make([]CameraInfo, len(cameras)),
	}
	for i, p := range projectors {
		m.Projectors[i] = ProjectorInfo{
			ID:              p.ID,
			RefreshPeriod:   p.RefreshPeriod,
			Delay:           p.Delay,
			Exposure:        p.Exposure,
			ConcurrentDelay: p.ConcurrentDelay,
			Cameras:         append([]uint16(nil), p.Cameras...),
		}
	}
	for i, c := range cameras {
		m.Cameras[i] = CameraInfo{ID: c.ID, ProjectorID: c.ProjectorID, UniqueIdentifier: c.UniqueIdentifier}
	}
	return m
}

// WriteFile marshals m as indented JSON and writes it to path,
// creating its parent directory if necessary, mirroring
// cmd/lepton/main.go's config-file writer.
func (m Manifest) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("manifest: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	data = append(data, '\n')
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("manifest: create: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("manifest: write: %w", err)
	}
	return nil
}

// Load reads and parses a manifest previously written by WriteFile.
func Load(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: open: %w", err)
	}
	defer f.Close()
	var m Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}
	return m, nil
}
