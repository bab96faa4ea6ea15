// Package schema describes the mapping metadata consumed by the persistence
// core: entities mapped to tables, attributes mapped to columns, and
// relationships mapped to foreign-key join column pairs.
//
// A Model is built once, validated, and then treated as read-only:
//
//	artist := &schema.Entity{
//	    Name:        "Artist",
//	    PrimaryKey:  []string{"id"},
//	    KeyStrategy: schema.KeyIdentity,
//	    Attributes:  []*schema.Attribute{{Name: "artistName"}},
//	}
//	painting := &schema.Entity{
//	    Name:       "Painting",
//	    PrimaryKey: []string{"id"},
//	    Attributes: []*schema.Attribute{{Name: "paintingTitle"}},
//	    Relationships: []*schema.Relationship{{
//	        Name:   "artist",
//	        Target: "Artist",
//	        Joins:  []schema.Join{{Source: "artist_id", Target: "id"}},
//	    }},
//	}
//	model, err := schema.NewModel(artist, painting)
//
// Models can also be loaded from YAML with Load and Parse. Table and column
// names default to the snake_case form of entity and attribute names.
package schema
