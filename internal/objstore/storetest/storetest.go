// Package storetest checks that an objstore.Store backend honours the
// contract the session layer depends on.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Fieldform/internal/objstore"
)

// Run exercises newStore's backend. Each subtest gets a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) objstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "sessions/q/missing.json")
		assert.True(t, errors.Is(err, objstore.ErrNotFound), "err = %v", err)
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "sessions/q/a.json", []byte(`{"v":1}`)))
		require.NoError(t, s.Put(ctx, "sessions/q/a.json", []byte(`{"v":2}`)))
		body, err := s.Get(ctx, "sessions/q/a.json")
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, string(body))
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "responses/q/a.json", []byte(`{}`)))
		require.NoError(t, s.Delete(ctx, "responses/q/a.json"))
		require.NoError(t, s.Delete(ctx, "responses/q/a.json"))
		_, err := s.Get(ctx, "responses/q/a.json")
		assert.ErrorIs(t, err, objstore.ErrNotFound)
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"responses/m1/a.json", "responses/m1/b.json", "responses/m1-m2/c.json", "sessions/m1/d.json"} {
			require.NoError(t, s.Put(ctx, k, []byte(`{"k":"`+k+`"}`)))
		}
		require.NoError(t, s.Put(ctx, "responses/m1/empty.json", nil))

		got := map[string]int64{}
		for info, err := range s.List(ctx, "responses/m1/") {
			require.NoError(t, err)
			got[info.Key] = info.Size
		}
		assert.Len(t, got, 3)
		assert.Contains(t, got, "responses/m1/a.json")
		assert.Contains(t, got, "responses/m1/b.json")
		assert.Equal(t, int64(0), got["responses/m1/empty.json"])
		assert.Equal(t, int64(len(`{"k":"responses/m1/a.json"}`)), got["responses/m1/a.json"])
	})

	t.Run("ListStopsEarly", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"x/1", "x/2", "x/3"} {
			require.NoError(t, s.Put(ctx, k, []byte("1")))
		}
		n := 0
		for _, err := range s.List(ctx, "x/") {
			require.NoError(t, err)
			n++
			break
		}
		assert.Equal(t, 1, n)
	})

	t.Run("WriteWhileListing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "y/1", []byte("1")))
		require.NoError(t, s.Put(ctx, "y/2", []byte("2")))
		for info, err := range s.List(ctx, "y/") {
			require.NoError(t, err)
			require.NoError(t, s.Put(ctx, "z/"+info.Key, []byte("copy")))
		}
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		s := newStore(t)
		type rec struct {
			ID string `json:"id"`
		}
		require.NoError(t, objstore.PutJSON(ctx, s, "sessions/q/j.json", rec{ID: "j"}))
		var out rec
		require.NoError(t, objstore.GetJSON(ctx, s, "sessions/q/j.json", &out))
		assert.Equal(t, "j", out.ID)

		require.NoError(t, s.Put(ctx, "sessions/q/bad.json", []byte("{")))
		err := objstore.GetJSON(ctx, s, "sessions/q/bad.json", &out)
		assert.True(t, objstore.IsMalformed(err), "err = %v", err)
	})
}
