package configutil

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// Validator is implemented by configs that can reject themselves after every
// layer was merged.
type Validator interface {
	Validate() error
}

// Layers lists the files ReadConfig merges for name, lowest priority first.
// For "config.json5" that is "config.json5" and then "config.local.json5".
func Layers(name string) []string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return []string{name, stem + ".local" + ext}
}

// readLayer reports ok == false for a missing or blank file.
func readLayer[T any](path string) (layer T, ok bool, err error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return layer, false, nil
	}
	if err != nil {
		return layer, false, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return layer, false, nil
	}
	err = json5.Unmarshal(raw, &layer)
	if err != nil {
		return layer, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return layer, true, nil
}

// ReadConfig merges every layer of name that exists, a later layer overrides
// the fields it sets. It fails with os.ErrNotExist when no layer exists and
// runs Validate on the result when the config has one.
func ReadConfig[T any](name string) (T, error) {
	var out T
	found := false
	for _, path := range Layers(name) {
		layer, ok, err := readLayer[T](path)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		if found {
			slog.Info("merging config with local overrides", "local", path)
		}
		err = mergo.Merge(&out, layer, mergo.WithOverride)
		if err != nil {
			return out, fmt.Errorf("merge %s: %w", path, err)
		}
		found = true
	}
	if !found {
		return out, fmt.Errorf("read %s: %w", name, os.ErrNotExist)
	}

	if v, ok := any(&out).(Validator); ok {
		err := v.Validate()
		if err != nil {
			return out, fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return out, nil
}

// ReadRecursively looks for name in the cwd and then in every parent
// directory, the nearest config wins.
func ReadRecursively[T any](name string) (T, error) {
	dir, err := os.Getwd()
	if err != nil {
		var out T
		return out, err
	}
	for {
		out, err := ReadConfig[T](filepath.Join(dir, name))
		if !errors.Is(err, os.ErrNotExist) {
			return out, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return out, err
		}
		dir = parent
	}
}
