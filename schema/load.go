package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the YAML form of a model.
type document struct {
	Entities []entityDoc `yaml:"entities"`
}

type entityDoc struct {
	Entity      `yaml:",inline"`
	KeyStrategy string `yaml:"keyStrategy,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *DeleteRule) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	rule, err := ParseDeleteRule(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*r = rule
	return nil
}

// Load reads a YAML model from the given file.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("schema: open model: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML model:
//
//	entities:
//	  - name: Artist
//	    primaryKey: [id]
//	    keyStrategy: identity
//	    attributes:
//	      - name: artistName
//	    relationships:
//	      - name: paintings
//	        target: Painting
//	        toMany: true
//	        deleteRule: deny
//	        joins: [{source: id, target: artist_id}]
func Parse(r io.Reader) (*Model, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("schema: decode model: %w", err)
	}
	entities := make([]*Entity, 0, len(doc.Entities))
	for i := range doc.Entities {
		d := &doc.Entities[i]
		ks, err := ParseKeyStrategy(d.KeyStrategy)
		if err != nil {
			return nil, fmt.Errorf("schema: entity %s: %w", d.Name, err)
		}
		e := d.Entity
		e.KeyStrategy = ks
		entities = append(entities, &e)
	}
	return NewModel(entities...)
}
