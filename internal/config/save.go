package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/conduit/internal/errors"
)

// Save writes cfg to path, pretty-printed, in the format implied by the
// extension. Env values and api keys are written in their unresolved form.
// The write is atomic.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigWrite, "encode config", err)
	}

	if formatOf(path) == FormatYAML {
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return errors.Wrap(errors.ErrCodeConfigWrite, "encode config", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return errors.Wrap(errors.ErrCodeConfigWrite, "encode config", err)
		}
	} else {
		data = append(data, '\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".conduit-*.tmp")
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigWrite, fmt.Sprintf("write %s", path), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(errors.ErrCodeConfigWrite, fmt.Sprintf("write %s", path), err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(errors.ErrCodeConfigWrite, fmt.Sprintf("write %s", path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(errors.ErrCodeConfigWrite, fmt.Sprintf("write %s", path), err)
	}
	return nil
}
