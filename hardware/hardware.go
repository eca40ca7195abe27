// Package hardware provides the static hardware support table mapping
// firmware image types to the device board models they can be flashed onto.
//
// The table is assembled once at process start, from the built-in OpenWrt
// entries plus any per-platform descriptor files found in a configured
// directory, and is exposed as an immutable map together with its
// precomputed inverse (board model -> image type). Nothing mutates the table
// after Load returns.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/benbjohnson/immutable"
	"gopkg.in/yaml.v2"
)

// Entry describes one supported firmware image type.
type Entry struct {
	// Label is the human-readable name shown to operators.
	Label string `yaml:"label"`
	// Boards lists the exact device model strings compatible with this
	// image type, as reported by the devices themselves.
	Boards []string `yaml:"boards"`
}

// descriptor is the on-disk shape of a per-platform descriptor file: a
// mapping of image type identifier to its entry.
type descriptor map[string]Entry

// Map is the immutable hardware support table.
type Map struct {
	entries *immutable.Map[string, Entry]
	// reverse maps a board model to its image type. When several types
	// support the same board (e.g. the same router on two OpenWrt target
	// generations) the entry loaded last wins, matching descriptor file
	// ordering.
	reverse *immutable.Map[string, string]
	types   []string
}

// Load builds the support table from the built-in entries merged with any
// *.yml / *.yaml descriptor files in dir. dir may be empty, in which case
// only the built-in table is used. Descriptor entries override built-in
// entries with the same image type.
func Load(dir string) (*Map, error) {
	merged := make(map[string]Entry, len(builtin))
	order := make([]string, 0, len(builtin))
	for _, t := range builtinOrder {
		merged[t] = builtin[t]
		order = append(order, t)
	}

	if dir != "" {
		files, err := descriptorFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			raw, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read hardware descriptor %s: %w", file, err)
			}
			var desc descriptor
			if err := yaml.Unmarshal(raw, &desc); err != nil {
				return nil, fmt.Errorf("failed to parse hardware descriptor %s: %w", file, err)
			}
			// Sort keys so load order is deterministic within one file.
			keys := make([]string, 0, len(desc))
			for t := range desc {
				keys = append(keys, t)
			}
			sort.Strings(keys)
			for _, t := range keys {
				e := desc[t]
				if e.Label == "" || len(e.Boards) == 0 {
					return nil, fmt.Errorf("hardware descriptor %s: type %q must declare a label and at least one board", file, t)
				}
				if _, known := merged[t]; !known {
					order = append(order, t)
				}
				merged[t] = e
			}
		}
	}

	eb := immutable.NewMapBuilder[string, Entry](nil)
	rb := immutable.NewMapBuilder[string, string](nil)
	for _, t := range order {
		e := merged[t]
		eb.Set(t, e)
		for _, board := range e.Boards {
			rb.Set(board, t)
		}
	}

	return &Map{
		entries: eb.Map(),
		reverse: rb.Map(),
		types:   order,
	}, nil
}

func descriptorFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read hardware descriptor dir %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yml", ".yaml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Entry returns the entry for the given image type.
func (m *Map) Entry(imageType string) (Entry, bool) {
	return m.entries.Get(imageType)
}

// Boards returns the board models compatible with the given image type.
func (m *Map) Boards(imageType string) ([]string, bool) {
	e, ok := m.entries.Get(imageType)
	if !ok {
		return nil, false
	}
	return e.Boards, true
}

// TypeForBoard returns the image type supporting the given board model.
func (m *Map) TypeForBoard(board string) (string, bool) {
	return m.reverse.Get(board)
}

// Types returns all known image type identifiers in load order.
func (m *Map) Types() []string {
	out := make([]string, len(m.types))
	copy(out, m.types)
	return out
}

// Len returns the number of known image types.
func (m *Map) Len() int {
	return m.entries.Len()
}

// TypeFromFilename derives the image type from a firmware image filename by
// discarding the distribution prefix (the first dash-separated token, e.g.
// "openwrt"). Returns the empty string if the filename carries no type
// information.
func TypeFromFilename(filename string) string {
	base := filepath.Base(filename)
	parts := strings.SplitN(base, "-", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
