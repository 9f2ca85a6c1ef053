package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RouteFile is the YAML layout of a route definitions file:
//
//	routes:
//	  user.get:
//	    url: /api/user/:id
//	    method: GET
//	    cache: {enabled: true, ttl: 5s}
//	    retry: {enabled: true, attempts: 3, delay: 200ms}
type RouteFile struct {
	Routes map[string]RouteDefinition `yaml:"routes"`
}

// LoadRoutes decodes route definitions from YAML. Unknown keys are errors so
// typos in policy names do not silently fall back to defaults.
func LoadRoutes(r io.Reader) (map[string]RouteDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file RouteFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]RouteDefinition{}, nil
		}
		return nil, fmt.Errorf("orchestrator: decode routes: %w", err)
	}
	if file.Routes == nil {
		file.Routes = map[string]RouteDefinition{}
	}
	return file.Routes, nil
}

// LoadRoutesFile reads route definitions from a YAML file.
func LoadRoutesFile(path string) (map[string]RouteDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open routes file: %w", err)
	}
	defer f.Close()
	return LoadRoutes(f)
}

// RegisterRoutesFromFile loads path and registers every route in it.
func (o *Orchestrator) RegisterRoutesFromFile(path string) error {
	defs, err := LoadRoutesFile(path)
	if err != nil {
		return err
	}
	return o.RegisterRoutes(defs)
}
