package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/Brownie44l1/medscan-api/internal/config"
)

// Opener turns one configured artifact into a model handle.
type Opener func(name string, mc config.ModelConfig) (Model, error)

// Registry holds every classifier loaded at start-up. It is built once and
// read-only afterwards.
type Registry struct {
	classifiers map[string]*Classifier
	names       []string
}

// LoadRegistry checks that every artifact exists before opening any of
// them, then opens all models. Any failure closes what was already opened.
func LoadRegistry(models map[string]config.ModelConfig, open Opener) (*Registry, error) {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := models[name].Path
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%s model: %w: %s", name, ErrArtifactNotFound, path)
			}
			return nil, fmt.Errorf("%s model: stat %s: %w", name, path, err)
		}
	}

	r := &Registry{
		classifiers: make(map[string]*Classifier, len(names)),
		names:       names,
	}
	for _, name := range names {
		mc := models[name]
		m, err := open(name, mc)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to load %s model: %w", name, err), r.Close())
		}
		r.classifiers[name] = newClassifier(name, mc, m)
	}

	return r, nil
}

func (r *Registry) Lookup(name string) (*Classifier, bool) {
	c, ok := r.classifiers[name]
	return c, ok
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Registry) Classifiers() []*Classifier {
	out := make([]*Classifier, 0, len(r.names))
	for _, name := range r.names {
		if c, ok := r.classifiers[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Close() error {
	var errs []error
	for name, c := range r.classifiers {
		if err := c.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s model: %w", name, err))
		}
	}
	r.classifiers = map[string]*Classifier{}
	return errors.Join(errs...)
}
