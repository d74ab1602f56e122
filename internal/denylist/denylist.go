package denylist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Patterns holds the raw deny-list as stored on disk.
type Patterns struct {
	Processes []string `yaml:"processes"`
}

// Denylist matches process snapshots against flagged executable names.
type Denylist struct {
	names []string // original spelling, reported back to the user
	lower []string
	raw   Patterns
}

// New creates a Denylist from raw patterns. Blank entries are skipped.
func New(p Patterns) *Denylist {
	d := &Denylist{raw: p}
	for _, name := range p.Processes {
		d.add(name)
	}
	return d
}

// NewDefault creates a Denylist with the built-in flagged applications.
func NewDefault() *Denylist {
	return New(DefaultPatterns)
}

// DefaultPath is where Load looks when given an empty path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".proctorguard", "denylist.yaml")
}

// Load reads a deny-list from a YAML file. Falls back to defaults if the file
// doesn't exist or lists no processes.
func Load(path string) (*Denylist, error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return NewDefault(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return nil, fmt.Errorf("read denylist: %w", err)
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse denylist %s: %w", path, err)
	}
	if len(p.Processes) == 0 {
		return NewDefault(), nil
	}

	return New(p), nil
}

// FirstMatch searches the full snapshot text, case-insensitively, for any
// flagged name as a substring. The entry whose match starts earliest in the
// snapshot wins; entries matching at the same offset keep deny-list order.
func (d *Denylist) FirstMatch(snapshot string) (string, bool) {
	text := strings.ToLower(snapshot)

	best, bestAt := -1, len(text)+1
	for i, name := range d.lower {
		at := strings.Index(text, name)
		if at < 0 {
			continue
		}
		if at < bestAt {
			best, bestAt = i, at
		}
	}
	if best < 0 {
		return "", false
	}
	return d.names[best], true
}

// Add appends a process name at runtime.
func (d *Denylist) Add(name string) {
	if d.add(name) {
		d.raw.Processes = append(d.raw.Processes, name)
	}
}

// Names returns the flagged names in deny-list order.
func (d *Denylist) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Len returns the number of flagged names.
func (d *Denylist) Len() int {
	return len(d.names)
}

func (d *Denylist) add(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	d.names = append(d.names, name)
	d.lower = append(d.lower, strings.ToLower(name))
	return true
}
