package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// LoadDir reads *.toml catalogs from dir into the registry, replacing any
// built-in profile of the same name. A missing directory is not an error; a
// malformed catalog is.
func (r *Registry) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read profile dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var p Profile
		if _, err := toml.DecodeFile(path, &p); err != nil {
			return fmt.Errorf("decode profile %s: %w", path, err)
		}
		if err := r.Add(&p); err != nil {
			return fmt.Errorf("profile %s: %w", path, err)
		}
		log.Infof("profiles: loaded %s from %s", p.Name, path)
	}
	return nil
}
