package schema_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
)

func TestLoad(t *testing.T) {
	m, err := schema.Load("testdata/gallery.yaml")
	require.NoError(t, err)

	artist, ok := m.Entity("Artist")
	require.True(t, ok)
	assert.Equal(t, "artist", artist.Table)
	assert.Equal(t, schema.KeyIdentity, artist.KeyStrategy)
	assert.IsType(t, object.RecordAccessor{}, artist.Accessor)

	name, ok := artist.Attribute("artistName")
	require.True(t, ok)
	assert.Equal(t, "artist_name", name.Column)

	paintings, ok := artist.Relationship("paintings")
	require.True(t, ok)
	assert.Equal(t, schema.Deny, paintings.DeleteRule)
	assert.False(t, paintings.OwnsForeignKey())
	assert.Equal(t, "artist", paintings.InverseRelationship().Name)

	painting, ok := m.Entity("Painting")
	require.True(t, ok)
	assert.Equal(t, schema.KeyGenerated, painting.KeyStrategy)
	rel, ok := painting.Relationship("artist")
	require.True(t, ok)
	assert.True(t, rel.OwnsForeignKey())
	assert.Equal(t, schema.Nullify, rel.DeleteRule)
	assert.Equal(t, artist, rel.TargetEntity())
	assert.Equal(t, painting, rel.SourceEntity())
	assert.Equal(t, []*schema.Relationship{rel}, painting.ForeignKeys())
	assert.Equal(t, []string{"estimated_price"}, painting.LockingColumns())
	assert.True(t, painting.UsesOptimisticLocking())
	assert.Equal(t, []*schema.Relationship{rel}, m.Dependents(artist))

	exhibits, ok := artist.Relationship("exhibits")
	require.True(t, ok)
	assert.True(t, exhibits.IsFlattened())
	assert.Equal(t, []*schema.Relationship{exhibits}, artist.Flattened())

	exhibit, ok := m.EntityForTable("exhibits")
	require.True(t, ok)
	assert.Equal(t, "Exhibit", exhibit.Name)
	assert.Equal(t, 2, exhibit.Index())
	assert.Len(t, m.Entities(), 3)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown field",
			doc:  "entities:\n  - name: A\n    primaryKey: [id]\n    color: red\n",
			want: "color",
		},
		{
			name: "bad delete rule",
			doc:  "entities:\n  - name: A\n    primaryKey: [id]\n    relationships:\n      - name: b\n        target: A\n        deleteRule: explode\n        joins: [{source: a, target: id}]\n",
			want: "unknown delete rule",
		},
		{
			name: "bad key strategy",
			doc:  "entities:\n  - name: A\n    primaryKey: [id]\n    keyStrategy: magic\n",
			want: "unknown key strategy",
		},
		{
			name: "missing primary key",
			doc:  "entities:\n  - name: A\n",
			want: "missing primary key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewModelValidation(t *testing.T) {
	t.Parallel()
	pk := []string{"id"}
	tests := []struct {
		name     string
		entities []*schema.Entity
		want     string
	}{
		{
			name:     "duplicate entity",
			entities: []*schema.Entity{{Name: "A", PrimaryKey: pk}, {Name: "A", Table: "a2", PrimaryKey: pk}},
			want:     "duplicate entity",
		},
		{
			name:     "duplicate table",
			entities: []*schema.Entity{{Name: "A", Table: "t", PrimaryKey: pk}, {Name: "B", Table: "t", PrimaryKey: pk}},
			want:     "already mapped",
		},
		{
			name: "unknown target",
			entities: []*schema.Entity{{Name: "A", PrimaryKey: pk, Relationships: []*schema.Relationship{
				{Name: "b", Target: "B", Joins: []schema.Join{{Source: "b_id", Target: "id"}}},
			}}},
			want: "unknown target",
		},
		{
			name: "missing joins",
			entities: []*schema.Entity{{Name: "A", PrimaryKey: pk, Relationships: []*schema.Relationship{
				{Name: "parent", Target: "A"},
			}}},
			want: "missing joins",
		},
		{
			name: "duplicate property",
			entities: []*schema.Entity{{Name: "A", PrimaryKey: pk,
				Attributes: []*schema.Attribute{{Name: "x"}},
				Relationships: []*schema.Relationship{
					{Name: "x", Target: "A", Joins: []schema.Join{{Source: "x_id", Target: "id"}}},
				}}},
			want: "duplicate property",
		},
		{
			name:     "compound identity",
			entities: []*schema.Entity{{Name: "A", PrimaryKey: []string{"a", "b"}, KeyStrategy: schema.KeyIdentity}},
			want:     "single primary key",
		},
		{
			name: "flattened to-one",
			entities: []*schema.Entity{{Name: "A", PrimaryKey: pk, Relationships: []*schema.Relationship{
				{Name: "b", Target: "A", JoinTable: "a_a", Joins: []schema.Join{{Source: "id", Target: "a_id"}}},
			}}},
			want: "must be to-many",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.NewModel(tt.entities...)
			require.Error(t, err)
			assert.True(t, persist.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestForeignKeyOwnership(t *testing.T) {
	t.Parallel()
	painting := &schema.Entity{
		Name:        "Painting",
		PrimaryKey:  []string{"id"},
		KeyStrategy: schema.KeyIdentity,
		Relationships: []*schema.Relationship{
			{Name: "info", Target: "PaintingInfo", ToDependentPK: true, Joins: []schema.Join{{Source: "id", Target: "painting_id"}}},
		},
	}
	info := &schema.Entity{
		Name:       "PaintingInfo",
		PrimaryKey: []string{"painting_id"},
		Relationships: []*schema.Relationship{
			{Name: "painting", Target: "Painting", Joins: []schema.Join{{Source: "painting_id", Target: "id"}}},
		},
	}
	profile := &schema.Entity{
		Name:       "Profile",
		PrimaryKey: []string{"id"},
		Relationships: []*schema.Relationship{
			// FK lives in the target table.
			{Name: "owner", Target: "Owner", Joins: []schema.Join{{Source: "id", Target: "profile_id"}}},
		},
	}
	owner := &schema.Entity{Name: "Owner", PrimaryKey: []string{"id"}, Attributes: []*schema.Attribute{{Name: "profileID", Column: "profile_id"}}}
	m := schema.MustModel(painting, info, profile, owner)

	r, _ := painting.Relationship("info")
	assert.False(t, r.OwnsForeignKey())
	r, _ = info.Relationship("painting")
	assert.True(t, r.OwnsForeignKey())
	r, _ = profile.Relationship("owner")
	assert.False(t, r.OwnsForeignKey())
	assert.Empty(t, m.Dependents(info))
	assert.Len(t, m.Dependents(painting), 1)
	assert.Equal(t, "painting_info", info.Table)
}

func TestParseNames(t *testing.T) {
	t.Parallel()
	rule, err := schema.ParseDeleteRule("SET NULL")
	require.NoError(t, err)
	assert.Equal(t, schema.Nullify, rule)
	rule, err = schema.ParseDeleteRule("")
	require.NoError(t, err)
	assert.Equal(t, schema.NoAction, rule)

	ks, err := schema.ParseKeyStrategy("sequence")
	require.NoError(t, err)
	assert.Equal(t, schema.KeyGenerated, ks)
	assert.Equal(t, "identity", schema.KeyIdentity.String())
	assert.Equal(t, "assigned", schema.KeyAssigned.String())
}
