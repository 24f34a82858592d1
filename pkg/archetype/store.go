// Package archetype holds the catalogue of protagonists a story can be built around.
package archetype

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"storycomic/pkg/llm/llmerrors"
)

//go:embed archetypes.yaml
var builtin []byte

// NotFoundMessage is the client-facing error for an unknown protagonist.
const NotFoundMessage = "Protagonist not found"

// Archetype is a protagonist and the work it comes from.
type Archetype struct {
	Name       string `yaml:"protagonist" json:"protagonist"`
	SourceWork string `yaml:"original_story" json:"original_story"`
	Author     string `yaml:"author" json:"author"`
}

// Store is an immutable, ordered archetype catalogue.
type Store struct {
	byName map[string]Archetype
	list   []Archetype
}

// Parse builds a store from a YAML list of archetypes.
func Parse(data []byte) (*Store, error) {
	var list []Archetype
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse archetypes: %w", err)
	}

	s := &Store{byName: make(map[string]Archetype, len(list)), list: make([]Archetype, 0, len(list))}
	for i, a := range list {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" || strings.TrimSpace(a.SourceWork) == "" || strings.TrimSpace(a.Author) == "" {
			return nil, fmt.Errorf("archetype %d: protagonist, original_story and author are required", i+1)
		}
		if _, dup := s.byName[a.Name]; dup {
			return nil, fmt.Errorf("archetype %q defined twice", a.Name)
		}
		s.byName[a.Name] = a
		s.list = append(s.list, a)
	}
	if len(s.list) == 0 {
		return nil, fmt.Errorf("archetype catalogue is empty")
	}
	return s, nil
}

// LoadFile reads a catalogue from path.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archetypes file %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the built-in catalogue.
func Default() *Store {
	s, err := Parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("built-in archetypes: %v", err))
	}
	return s
}

// Load returns the catalogue at path, or the built-in one when path is empty.
func Load(path string) (*Store, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// Lookup finds an archetype by exact name.
func (s *Store) Lookup(name string) (Archetype, bool) {
	a, ok := s.byName[name]
	return a, ok
}

// Get is Lookup that reports a missing archetype as InvalidInput.
func (s *Store) Get(name string) (Archetype, error) {
	a, ok := s.Lookup(name)
	if !ok {
		return Archetype{}, llmerrors.InvalidInput(NotFoundMessage)
	}
	return a, nil
}

// All returns the catalogue in file order.
func (s *Store) All() []Archetype {
	return append([]Archetype(nil), s.list...)
}

// Names returns the protagonist names in file order.
func (s *Store) Names() []string {
	names := make([]string, len(s.list))
	for i, a := range s.list {
		names[i] = a.Name
	}
	return names
}
