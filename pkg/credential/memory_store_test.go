package credential

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	t.Run("SetAndGet", func(t *testing.T) {
		id := uuid.New()
		err := store.Set(id, []byte("secret1"))
		require.NoError(t, err)

		secret, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret1"), secret)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.Get(uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, store.Set(id, []byte("secret3")))

		secret1, err := store.Get(id)
		require.NoError(t, err)

		require.NoError(t, store.Set(id, []byte("newsecret3")))

		secret2, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, []byte("newsecret3"), secret2)
		assert.NotEqual(t, secret1, secret2)
	})

	t.Run("Delete", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, store.Set(id, []byte("secret4")))
		require.NoError(t, store.Delete(id))

		_, err := store.Get(id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MultipleEntries", func(t *testing.T) {
		store := NewMemoryStore()
		id5, id6 := uuid.New(), uuid.New()

		require.NoError(t, store.Set(id5, []byte("secret5")))
		require.NoError(t, store.Set(id6, []byte("secret6")))

		secret5, err := store.Get(id5)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret5"), secret5)

		secret6, err := store.Get(id6)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret6"), secret6)

		ids, err := store.List()
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{id5, id6}, ids)
	})

	t.Run("SecretIsCopied", func(t *testing.T) {
		id := uuid.New()
		secret := []byte("mutate-me")
		require.NoError(t, store.Set(id, secret))
		secret[0] = 'X'

		got, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, []byte("mutate-me"), got)
	})
}
