package connector

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gibbon-labs/gibbon/pkg/core"
)

// ConfigInfo is a discovered test config, as listed by the API.
type ConfigInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Catalog resolves config references against a directory of YAML test
// configs. It reads the directory on every call, so an edited or added
// config is picked up without a restart.
type Catalog struct {
	dir string
}

// NewCatalog creates a catalog over the given configs directory.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Dir returns the configs directory.
func (c *Catalog) Dir() string { return c.dir }

// List returns every discovered config, sorted by file name.
func (c *Catalog) List() ([]ConfigInfo, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read configs dir: %w", err)
	}

	var infos []ConfigInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		infos = append(infos, ConfigInfo{
			Name: strings.TrimSuffix(name, ext),
			Path: name,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Resolve loads the config the reference names. A reference is a file name
// inside the configs directory ("github.yaml"); path escapes are rejected
// and unknown references map to core.ErrNotFound.
func (c *Catalog) Resolve(ref string) (*TestConfig, error) {
	clean := filepath.Clean(ref)
	if clean == "." || strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("config ref %q: %w", ref, core.ErrNotFound)
	}
	path := filepath.Join(c.dir, clean)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config ref %q: %w", ref, core.ErrNotFound)
	}
	return Load(path)
}
