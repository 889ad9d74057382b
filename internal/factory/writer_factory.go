package factory

import (
	"fmt"
	"sort"

	"Go2NetStreamer/internal/config"
	"Go2NetStreamer/internal/model"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WriterFactory creates a writer from its definition.
type WriterFactory func(def config.WriterDef) (model.Writer, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// Types returns the registered writer types.
func Types() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds every enabled writer of the exporter configuration. Writers
// created before a failure are closed.
func Create(cfg *config.Config) ([]model.Writer, error) {
	var writers []model.Writer
	fail := func(err error) ([]model.Writer, error) {
		for _, w := range writers {
			w.Close()
		}
		return nil, err
	}

	for _, def := range cfg.Exporter.Writers {
		if !def.Enabled {
			continue
		}
		log.Printf("Creating writer of type '%s'", def.Type)

		factory, ok := registry[def.Type]
		if !ok {
			return fail(errors.Errorf("unknown writer type: '%s'", def.Type))
		}
		w, err := factory(def)
		if err != nil {
			return fail(errors.Wrapf(err, "error creating writer type '%s'", def.Type))
		}
		writers = append(writers, w)
	}
	return writers, nil
}
