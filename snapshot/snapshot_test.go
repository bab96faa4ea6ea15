package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
)

type entry struct {
	id    object.ID
	state object.State
}

type fakeEnv struct {
	objects   map[any]entry
	permanent map[object.Key]object.ID
}

func newEnv() *fakeEnv {
	return &fakeEnv{objects: make(map[any]entry), permanent: make(map[object.Key]object.ID)}
}

func (f *fakeEnv) Lookup(obj any) (object.ID, object.State, bool) {
	e, ok := f.objects[obj]
	return e.id, e.state, ok
}

func (f *fakeEnv) Permanent(id object.ID) (object.ID, bool) {
	p, ok := f.permanent[id.Key()]
	return p, ok
}

func (f *fakeEnv) add(obj any, id object.ID, state object.State) {
	f.objects[obj] = entry{id: id, state: state}
}

func model(t *testing.T) (artist, painting *schema.Entity) {
	t.Helper()
	artist = &schema.Entity{
		Name:        "Artist",
		PrimaryKey:  []string{"id"},
		KeyStrategy: schema.KeyIdentity,
		Attributes:  []*schema.Attribute{{Name: "name"}},
	}
	painting = &schema.Entity{
		Name:        "Painting",
		PrimaryKey:  []string{"id"},
		KeyStrategy: schema.KeyGenerated,
		Attributes: []*schema.Attribute{
			{Name: "title"},
			{Name: "version", UsedForLocking: true},
		},
		Relationships: []*schema.Relationship{
			{Name: "artist", Target: "Artist", Joins: []schema.Join{{Source: "artist_id", Target: "id"}}},
			{Name: "owner", Target: "Artist", Mandatory: true, Joins: []schema.Join{{Source: "owner_id", Target: "id"}}},
		},
	}
	_, err := schema.NewModel(artist, painting)
	require.NoError(t, err)
	return artist, painting
}

func set(t *testing.T, obj *object.Record, e *schema.Entity, prop string, v any) {
	t.Helper()
	require.NoError(t, e.Accessor.Write(obj, prop, object.Loaded(v)))
}

func TestBuildInsertRow(t *testing.T) {
	t.Parallel()
	artist, painting := model(t)
	env := newEnv()

	owner := object.NewRecord("Artist")
	env.add(owner, object.SingleID("Artist", "id", 7), object.Committed)
	a := object.NewRecord("Artist")
	aid := object.NewTemporaryID("Artist")
	env.add(a, aid, object.New)
	set(t, a, artist, "name", "Monet")

	p := object.NewRecord("Painting")
	pid := object.SingleID("Painting", "id", 1)
	set(t, p, painting, "title", "Water Lilies")
	set(t, p, painting, "artist", a)
	set(t, p, painting, "owner", owner)

	t.Run("Deferred", func(t *testing.T) {
		row, err := BuildInsertRow(env, painting, p, pid)
		require.NoError(t, err)
		assert.Equal(t, []string{"title", "artist_id", "owner_id", "id"}, row.Columns())
		v, _ := row.Get("artist_id")
		require.IsType(t, &object.Deferred{}, v)
		assert.Equal(t, aid.Key(), v.(*object.Deferred).Target.Key())
		assert.True(t, row.HasDeferred())
		assert.False(t, row.Has("version"), "unloaded attributes are absent")
		ownerID, _ := row.Get("owner_id")
		assert.Equal(t, int64(7), ownerID)
	})

	t.Run("Permanent", func(t *testing.T) {
		env.permanent[aid.Key()] = object.SingleID("Artist", "id", 42)
		defer delete(env.permanent, aid.Key())
		row, err := BuildInsertRow(env, painting, p, pid)
		require.NoError(t, err)
		v, _ := row.Get("artist_id")
		assert.Equal(t, int64(42), v)
		assert.False(t, row.HasDeferred())
	})

	t.Run("IdentityTarget", func(t *testing.T) {
		row, err := BuildInsertRow(env, artist, a, aid)
		require.NoError(t, err)
		assert.Equal(t, []string{"name"}, row.Columns())
	})

	t.Run("MandatoryNil", func(t *testing.T) {
		q := object.NewRecord("Painting")
		set(t, q, painting, "owner", nil)
		_, err := BuildInsertRow(env, painting, q, object.SingleID("Painting", "id", 2))
		require.True(t, persist.IsIncompleteForeignKey(err))
	})

	t.Run("OptionalNil", func(t *testing.T) {
		q := object.NewRecord("Painting")
		set(t, q, painting, "artist", nil)
		row, err := BuildInsertRow(env, painting, q, object.SingleID("Painting", "id", 3))
		require.NoError(t, err)
		v, ok := row.Get("artist_id")
		assert.True(t, ok)
		assert.Nil(t, v)
	})

	t.Run("UnregisteredTarget", func(t *testing.T) {
		q := object.NewRecord("Painting")
		set(t, q, painting, "artist", object.NewRecord("Artist"))
		_, err := BuildInsertRow(env, painting, q, object.SingleID("Painting", "id", 4))
		require.True(t, persist.IsIncompleteForeignKey(err))
	})

	t.Run("TemporaryNonIdentityTarget", func(t *testing.T) {
		other := object.NewRecord("Painting")
		env.add(other, object.NewTemporaryID("Painting"), object.New)
		// Paintings have generated keys, which are assigned before rows are
		// built, so a temporary Painting identity is never deferred.
		gallery := &schema.Entity{
			Name:       "Frame",
			PrimaryKey: []string{"id"},
			Relationships: []*schema.Relationship{
				{Name: "painting", Target: "Painting", Joins: []schema.Join{{Source: "painting_id", Target: "id"}}},
			},
		}
		_, err := schema.NewModel(artist, painting, gallery)
		require.NoError(t, err)
		f := object.NewRecord("Frame")
		set(t, f, gallery, "painting", other)
		_, err = BuildInsertRow(env, gallery, f, object.SingleID("Frame", "id", 1))
		require.True(t, persist.IsIncompleteForeignKey(err))
	})
}

func TestBuildUpdateRow(t *testing.T) {
	t.Parallel()
	_, painting := model(t)
	env := newEnv()
	owner := object.NewRecord("Artist")
	env.add(owner, object.SingleID("Artist", "id", 7), object.Committed)

	pid := object.SingleID("Painting", "id", 1)
	previous := object.RowOf("id", 1, "title", "Haystacks", "version", 3, "artist_id", nil, "owner_id", 7)

	t.Run("Phantom", func(t *testing.T) {
		p := object.NewRecord("Painting")
		set(t, p, painting, "title", "Haystacks")
		set(t, p, painting, "version", 3)
		set(t, p, painting, "artist", nil)
		set(t, p, painting, "owner", owner)
		diff, err := BuildUpdateRow(env, painting, p, pid, previous)
		require.NoError(t, err)
		assert.Zero(t, diff.Len())
	})

	t.Run("Changed", func(t *testing.T) {
		p := object.NewRecord("Painting")
		set(t, p, painting, "title", "Haystacks at Chailly")
		set(t, p, painting, "version", 4)
		set(t, p, painting, "owner", owner)
		diff, err := BuildUpdateRow(env, painting, p, pid, previous)
		require.NoError(t, err)
		assert.Equal(t, []string{"title", "version"}, diff.Columns())
	})

	t.Run("NotLoadedKeepsPrevious", func(t *testing.T) {
		p := object.NewRecord("Painting")
		set(t, p, painting, "title", "Haystacks")
		diff, err := BuildUpdateRow(env, painting, p, pid, previous)
		require.NoError(t, err)
		assert.Zero(t, diff.Len())
	})

	t.Run("DeferredTarget", func(t *testing.T) {
		a := object.NewRecord("Artist")
		aid := object.NewTemporaryID("Artist")
		env.add(a, aid, object.New)
		p := object.NewRecord("Painting")
		set(t, p, painting, "artist", a)
		diff, err := BuildUpdateRow(env, painting, p, pid, previous)
		require.NoError(t, err)
		assert.Equal(t, []string{"artist_id"}, diff.Columns())
		assert.True(t, diff.HasDeferred())
	})
}

func TestBuildUpdateRowAbsentBecomesNull(t *testing.T) {
	t.Parallel()
	e := &schema.Entity{Name: "Note", PrimaryKey: []string{"id"}, Attributes: []*schema.Attribute{{Name: "body"}}}
	_, err := schema.NewModel(e)
	require.NoError(t, err)
	// The previous row holds a column that is no longer produced.
	previous := object.RowOf("id", 1, "body", "x", "legacy", "y")
	obj := object.NewRecord("Note")
	set(t, obj, e, "body", "x")
	diff, err := BuildUpdateRow(newEnv(), e, obj, object.SingleID("Note", "id", 1), previous)
	require.NoError(t, err)
	v, ok := diff.Get("legacy")
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, 1, diff.Len())
}

func TestQualifier(t *testing.T) {
	t.Parallel()
	_, painting := model(t)
	id := object.SingleID("Painting", "id", 1)
	q, nulls := Qualifier(painting, id, object.RowOf("id", 1, "version", 3))
	assert.Equal(t, []string{"id", "version"}, q.Columns())
	assert.Empty(t, nulls)

	q, nulls = Qualifier(painting, id, object.RowOf("id", 1, "version", nil))
	assert.Equal(t, []string{"id"}, q.Columns())
	assert.Equal(t, []string{"version"}, nulls)
}

func TestDependencies(t *testing.T) {
	t.Parallel()
	_, painting := model(t)
	env := newEnv()
	a := object.NewRecord("Artist")
	aid := object.NewTemporaryID("Artist")
	env.add(a, aid, object.New)
	p := object.NewRecord("Painting")
	set(t, p, painting, "artist", a)
	set(t, p, painting, "owner", nil)
	assert.Equal(t, []object.Key{aid.Key()}, Dependencies(env, painting, p))
}

func TestResolve(t *testing.T) {
	t.Parallel()
	aid := object.NewTemporaryID("Artist")
	row := object.RowOf("title", "x", "artist_id", object.Defer(aid, "id"))

	_, err := Resolve(row, func(object.ID) (object.ID, bool) { return object.ID{}, false })
	require.True(t, persist.IsTemporaryIdentity(err))

	out, err := Resolve(row, func(id object.ID) (object.ID, bool) {
		if id.Equal(aid) {
			return object.SingleID("Artist", "id", 5), true
		}
		return object.ID{}, false
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "artist_id"}, out.Columns())
	v, _ := out.Get("artist_id")
	assert.Equal(t, int64(5), v)
}
