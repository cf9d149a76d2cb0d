package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved metadata keys. They are always derived at upload time and cannot
// be supplied through the extension map.
const (
	MetaContainer = "container"
	MetaFilename  = "filename"
	MetaMimetype  = "mimetype"
	MetaType      = "type"
)

// File is the metadata record of one stored file. Its content lives in the
// ordered Chunk records that reference it through FileID.
type File struct {
	ID         string    `json:"_id"`
	Filename   string    `json:"filename"`
	Length     int64     `json:"length"`
	ChunkSize  int64     `json:"chunkSize"`
	UploadDate time.Time `json:"uploadDate"`
	Metadata   Metadata  `json:"metadata"`
}

// Container returns the container the file belongs to.
func (f *File) Container() string {
	return f.Metadata.Container
}

// Metadata is the fixed part of a file's metadata plus an open extension map
// for caller-supplied fields such as uploadUserId or type.
type Metadata struct {
	Container string
	Filename  string
	Mimetype  string
	Extra     map[string]string
}

// Type returns the caller-supplied "type" field, if any.
func (m Metadata) Type() string {
	return m.Extra[MetaType]
}

// Get returns a metadata field by key, looking at the fixed fields first.
func (m Metadata) Get(key string) (string, bool) {
	switch key {
	case MetaContainer:
		return m.Container, true
	case MetaFilename:
		return m.Filename, true
	case MetaMimetype:
		return m.Mimetype, true
	}
	v, ok := m.Extra[key]
	return v, ok
}

// MarshalJSON flattens the extension map next to the fixed fields, which is
// the shape clients of the service expect.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[MetaContainer] = m.Container
	out[MetaFilename] = m.Filename
	out[MetaMimetype] = m.Mimetype
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var in map[string]string
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	m.Container = in[MetaContainer]
	m.Filename = in[MetaFilename]
	m.Mimetype = in[MetaMimetype]
	delete(in, MetaContainer)
	delete(in, MetaFilename)
	delete(in, MetaMimetype)
	if len(in) > 0 {
		m.Extra = in
	} else {
		m.Extra = nil
	}
	return nil
}

// Chunk represents a chunk of a file
type Chunk struct {
	ID        string `json:"id"`
	FileID    string `json:"files_id"`
	N         int    `json:"n"`
	Hash      string `json:"hash"`
	ObjectKey string `json:"object_key"`
	Size      int64  `json:"size"`
}

// ChunkData holds chunk information during upload/download
type ChunkData struct {
	Data []byte
	N    int
	Hash string
	Size int64
}

// Selector is a structured filter over file records. Every non-empty field
// must match; slice fields are membership tests. The zero Selector matches
// every record.
type Selector struct {
	IDs       []string
	Container string
	Filenames []string
	Type      string
	Mimetype  string
	Extra     map[string]string
}

// IsZero reports whether the selector has no constraints at all.
func (s Selector) IsZero() bool {
	return len(s.IDs) == 0 && s.Container == "" && len(s.Filenames) == 0 &&
		s.Type == "" && s.Mimetype == "" && len(s.Extra) == 0
}

// Matches evaluates the selector against a record in memory.
func (s Selector) Matches(f *File) bool {
	if len(s.IDs) > 0 && !contains(s.IDs, f.ID) {
		return false
	}
	if s.Container != "" && f.Metadata.Container != s.Container {
		return false
	}
	if len(s.Filenames) > 0 && !contains(s.Filenames, f.Filename) {
		return false
	}
	if s.Type != "" && f.Metadata.Type() != s.Type {
		return false
	}
	if s.Mimetype != "" && f.Metadata.Mimetype != s.Mimetype {
		return false
	}
	for k, v := range s.Extra {
		if got, ok := f.Metadata.Get(k); !ok || got != v {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
