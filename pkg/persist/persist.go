package persist

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Persist is a hierarchical document addressed by dotted paths and saved
// atomically to a single file. It backs the message store metadata and the
// identity document.
//
// The document is held in memory as nested bson.M mappings. Save writes the
// BSON encoding to a temporary file and renames it over the target, so a
// crash leaves either the old or the new document on disk, never a partial
// one.
type Persist struct {
	filename string
	root     bson.M
	snapshot bson.M
}

// New creates a Persist backed by filename. The file is not read until
// Load is called.
func New(filename string) *Persist {
	return &Persist{
		filename: filename,
		root:     bson.M{},
	}
}

// Filename returns the file the document is saved to.
func (p *Persist) Filename() string {
	return p.filename
}

// Load reads the document from disk. A missing file leaves the document
// empty and is not an error.
func (p *Persist) Load() error {
	data, err := os.ReadFile(p.filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.root = bson.M{}
			return nil
		}
		return fmt.Errorf("failed to read persist file: %w", err)
	}
	root, err := decodeDocument(data)
	if err != nil {
		return fmt.Errorf("failed to decode persist file %s: %w", p.filename, err)
	}
	p.root = root
	return nil
}

// Save writes the document to disk atomically.
func (p *Persist) Save() error {
	data, err := bson.Marshal(p.root)
	if err != nil {
		return fmt.Errorf("failed to encode persist document: %w", err)
	}
	dir := filepath.Dir(p.filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create persist directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".persist-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary persist file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write persist file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close persist file: %w", err)
	}
	if err := os.Rename(tmpName, p.filename); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace persist file: %w", err)
	}
	return nil
}

// Get returns the value at a dotted path.
func (p *Persist) Get(path string) (interface{}, bool) {
	parent, key, ok := p.resolve(path, false)
	if !ok {
		return nil, false
	}
	v, ok := parent[key]
	return v, ok
}

// GetDefault returns the value at path, or def when absent.
func (p *Persist) GetDefault(path string, def interface{}) interface{} {
	if v, ok := p.Get(path); ok {
		return v
	}
	return def
}

// GetInt returns the value at path coerced to int64, or def.
func (p *Persist) GetInt(path string, def int64) int64 {
	v, ok := p.Get(path)
	if !ok {
		return def
	}
	n, ok := asInt(v)
	if !ok {
		return def
	}
	return n
}

// GetString returns the value at path as a string, or def.
func (p *Persist) GetString(path string, def string) string {
	v, ok := p.Get(path)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// GetStringList returns the value at path as a list of strings. Missing or
// mistyped values yield an empty list.
func (p *Persist) GetStringList(path string) []string {
	v, ok := p.Get(path)
	if !ok {
		return nil
	}
	items, ok := asList(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Set stores a value at a dotted path, creating intermediate mappings.
func (p *Persist) Set(path string, value interface{}) {
	parent, key, _ := p.resolve(path, true)
	parent[key] = value
}

// Add appends a value to the list at a dotted path, creating the list
// when absent.
func (p *Persist) Add(path string, value interface{}) {
	parent, key, _ := p.resolve(path, true)
	existing, ok := asList(parent[key])
	if !ok {
		existing = nil
	}
	parent[key] = append(existing, value)
}

// Remove deletes the value at a dotted path. It reports whether a value
// was present.
func (p *Persist) Remove(path string) bool {
	parent, key, ok := p.resolve(path, false)
	if !ok {
		return false
	}
	if _, present := parent[key]; !present {
		return false
	}
	delete(parent, key)
	return true
}

// SaveSnapshot stashes a copy of the current document state.
func (p *Persist) SaveSnapshot() {
	p.snapshot = deepCopy(p.root)
}

// RestoreSnapshot reverts the document to the stashed snapshot. It is a
// no-op when no snapshot was saved.
func (p *Persist) RestoreSnapshot() {
	if p.snapshot == nil {
		return
	}
	p.root = deepCopy(p.snapshot)
}

// DropSnapshot discards the stashed snapshot, if any.
func (p *Persist) DropSnapshot() {
	p.snapshot = nil
}

// resolve walks the dotted path and returns the mapping holding its final
// component. With create set, missing intermediate mappings are created;
// otherwise resolution fails on the first gap.
func (p *Persist) resolve(path string, create bool) (bson.M, string, bool) {
	parts := strings.Split(path, ".")
	node := p.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part]
		if !ok {
			if !create {
				return nil, "", false
			}
			child := bson.M{}
			node[part] = child
			node = child
			continue
		}
		child, ok := asMap(next)
		if !ok {
			if !create {
				return nil, "", false
			}
			child = bson.M{}
			node[part] = child
		} else {
			node[part] = child
		}
		node = child
	}
	return node, parts[len(parts)-1], true
}

func deepCopy(m bson.M) bson.M {
	data, err := bson.Marshal(m)
	if err != nil {
		// The document only ever contains BSON-encodable values.
		panic(fmt.Sprintf("persist: unencodable document: %v", err))
	}
	out, err := decodeDocument(data)
	if err != nil {
		panic(fmt.Sprintf("persist: undecodable document: %v", err))
	}
	return out
}

// decodeDocument unmarshals a BSON document with nested documents decoded
// as bson.M rather than bson.D.
func decodeDocument(data []byte) (bson.M, error) {
	dec := bson.NewDecoder(bson.NewDocumentReader(bytes.NewReader(data)))
	dec.DefaultDocumentM()
	var m bson.M
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func asMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	default:
		return nil, false
	}
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case bson.A:
		return []interface{}(l), true
	default:
		return nil, false
	}
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
