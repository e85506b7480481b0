// Package persist provides the ambient logging and versioned-JSON
// persistence conventions shared by every stateful component of the node:
// a *Logger wrapping gitlab.com/NebulousLabs/log, and SaveJSON/LoadJSON
// helpers that write metadata-tagged files atomically (temp file + rename)
// so a crash mid-write never corrupts an identity or storage-item file.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"
)

// Metadata identifies the format of a persisted JSON file so that loading
// code can detect stale or foreign files instead of silently misreading
// them.
type Metadata struct {
	Header  string
	Version string
}

// Logger wraps the teacher's structured file logger so the rest of the node
// can log through a single, small interface.
type Logger struct {
	*log.Logger
}

// NewLogger opens (or creates) filename and returns a Logger that appends
// to it.
func NewLogger(filename string) (*Logger, error) {
	l, err := log.NewFileLogger(filename)
	if err != nil {
		return nil, errors.AddContext(err, "unable to create logger")
	}
	return &Logger{l}, nil
}

// SaveJSON marshals object as JSON tagged with meta and atomically writes
// it to filename.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	payload := struct {
		Metadata
		Data interface{}
	}{meta, object}

	b, err := json.MarshalIndent(payload, "", "\t")
	if err != nil {
		return errors.AddContext(err, "unable to marshal persisted object")
	}

	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp-*")
	if err != nil {
		return errors.AddContext(err, "unable to create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.AddContext(err, "unable to write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.AddContext(err, "unable to sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.AddContext(err, "unable to close temp file")
	}
	if err := os.Rename(tmpName, filename); err != nil {
		os.Remove(tmpName)
		return errors.AddContext(err, "unable to rename temp file into place")
	}
	return nil
}

// LoadJSON reads filename, verifies it matches meta, and unmarshals its
// data payload into object.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	b, err := os.ReadFile(filename)
	if err != nil {
		return errors.AddContext(err, "unable to read persisted file")
	}
	var payload struct {
		Metadata
		Data json.RawMessage
	}
	if err := json.Unmarshal(b, &payload); err != nil {
		return errors.AddContext(err, "unable to unmarshal persisted file")
	}
	if payload.Header != meta.Header {
		return errors.New("persisted file has the wrong header: " + payload.Header)
	}
	if payload.Version != meta.Version {
		return errors.New("persisted file has an unsupported version: " + payload.Version)
	}
	if err := json.Unmarshal(payload.Data, object); err != nil {
		return errors.AddContext(err, "unable to unmarshal persisted data")
	}
	return nil
}
