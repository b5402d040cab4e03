package tracklab

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Value is the polymorphic model for everything loggable that is richer
// than a scalar. Each implementation serializes itself to a JSON descriptor;
// file-backed implementations (Media) must be bound to a run first.
type Value interface {
	// TypeName is the wire `_type` discriminator ("image-file", "histogram", ...).
	TypeName() string
	// ToJSON returns the JSON descriptor logged in the value's place.
	ToJSON(run *Run) (map[string]any, error)
}

// BindableValue is a Value backed by a file that must be written into a
// run's directory before it can serialize.
type BindableValue interface {
	Value
	// BindToRun associates the value with exactly one (run, key, step)
	// triple and writes its payload under the run directory. Binding twice
	// is an error.
	BindToRun(run *Run, key string, step int64) error
	// Bound reports whether BindToRun has already succeeded.
	Bound() bool
}

// Media is the shared binary-media lifecycle: content hash → save under the
// run's media directory → bind to exactly one run+key+step → JSON descriptor
// with a run-relative path. The run owns bound media for its lifetime; the
// media holds only a back-reference.
type Media struct {
	kind string // subdirectory and _type stem, e.g. "images", "audio"
	typ  string // wire _type, e.g. "image-file"
	ext  string
	buf  []byte

	sha  string
	size int64

	run     *Run
	key     string
	step    int64
	relPath string
	extra   map[string]any // type-specific descriptor fields
}

func newMedia(kind, typ, ext string, payload []byte) *Media {
	sum := sha256.Sum256(payload)
	return &Media{
		kind: kind,
		typ:  typ,
		ext:  ext,
		buf:  payload,
		sha:  hex.EncodeToString(sum[:]),
		size: int64(len(payload)),
	}
}

// SHA256 returns the content-derived identity of the media payload.
func (m *Media) SHA256() string { return m.sha }

// Size returns the payload size in bytes.
func (m *Media) Size() int64 { return m.size }

// TypeName implements Value.
func (m *Media) TypeName() string { return m.typ }

// Bound reports whether the media has been bound to a run.
func (m *Media) Bound() bool { return m.run != nil }

// BindToRun writes the payload under <runDir>/files/media/<kind>/ and pins
// the media to the (run, key, step) triple. A second bind is an error even
// for the same triple.
func (m *Media) BindToRun(run *Run, key string, step int64) error {
	if m.run != nil {
		return usageErrorf("Media.BindToRun",
			"media already bound to run %s (key %q, step %d); a value binds exactly once",
			m.run.ID(), m.key, m.step)
	}
	name := fmt.Sprintf("%s_%d_%s.%s", sanitizeKey(key), step, m.sha[:8], m.ext)
	rel := filepath.Join("media", m.kind, name)
	abs := filepath.Join(run.settings.FilesDir(), rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return fmt.Errorf("media: create media dir: %w", err)
	}
	if err := os.WriteFile(abs, m.buf, 0o644); err != nil {
		return fmt.Errorf("media: write %s: %w", rel, err)
	}
	m.run = run
	m.key = key
	m.step = step
	m.relPath = rel
	return nil
}

// ToJSON returns the descriptor referencing the saved file, relative to the
// run's files directory. The media must be bound to the given run.
func (m *Media) ToJSON(run *Run) (map[string]any, error) {
	if m.run == nil {
		return nil, usageErrorf("Media.ToJSON", "media is not bound to a run")
	}
	if m.run != run {
		return nil, usageErrorf("Media.ToJSON", "media is bound to run %s, not %s", m.run.ID(), run.ID())
	}
	doc := map[string]any{
		"_type":  m.typ,
		"path":   filepath.ToSlash(m.relPath),
		"sha256": m.sha,
		"size":   m.size,
	}
	for k, v := range m.extra {
		doc[k] = v
	}
	return doc, nil
}

// sanitizeKey makes a log key safe to embed in a filename.
func sanitizeKey(key string) string {
	out := []rune(key)
	for i, r := range out {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}
