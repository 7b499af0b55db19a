package sessionstore_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/formcraft/synckit/remote"
	"github.com/formcraft/synckit/session"
	"github.com/formcraft/synckit/session/sessionstore"
	"github.com/formcraft/synckit/storage"
)

func testSession() *session.Session {
	return &session.Session{
		UserID:       42,
		Username:     "jane",
		Email:        "jane@example.com",
		DisplayName:  "Jane Doe",
		Token:        "access-token-1",
		RefreshToken: "refresh-token-1",
		ExpiresAt:    time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
		Subscription: &remote.Subscription{Tier: "pro", Status: "active", SnapshotCount: 2, SnapshotLimit: 10},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	kv := storage.NewMemStore()
	store := sessionstore.New(kv, zerolog.Nop())

	store.Save(testSession())
	loaded := store.Load()

	require.NotNil(t, loaded)
	want := testSession()
	require.True(t, loaded.ExpiresAt.Equal(want.ExpiresAt))
	loaded.ExpiresAt = want.ExpiresAt
	require.Equal(t, want, loaded)
}

func TestStore_LoadFailsClosed(t *testing.T) {
	requiredFields := []string{"token", "user_id", "username", "email", "display_name", "expires_at"}

	for _, field := range requiredFields {
		t.Run("missing "+field, func(t *testing.T) {
			kv := storage.NewMemStore()
			store := sessionstore.New(kv, zerolog.Nop())
			store.Save(testSession())

			data, err := kv.Get("session")
			require.NoError(t, err)
			mangled := removeJSONField(t, data, field)
			require.NoError(t, kv.Put("session", mangled))

			require.Nil(t, store.Load(), "a record missing %s must be discarded wholesale", field)
			_, err = kv.Get("session")
			require.ErrorIs(t, err, storage.ErrNotFound, "invalid record must be deleted")
		})
	}

	t.Run("mistyped field", func(t *testing.T) {
		kv := storage.NewMemStore()
		store := sessionstore.New(kv, zerolog.Nop())
		record := `{"user_id":"not-a-number","username":"jane","email":"jane@example.com",` +
			`"display_name":"Jane Doe","token":"access-token-1","expires_at":"2025-06-01T13:00:00Z"}`
		require.NoError(t, kv.Put("session", []byte(record)))

		require.Nil(t, store.Load())
	})

	t.Run("empty token", func(t *testing.T) {
		kv := storage.NewMemStore()
		store := sessionstore.New(kv, zerolog.Nop())
		record := `{"user_id":42,"username":"jane","email":"jane@example.com",` +
			`"display_name":"Jane Doe","token":"","expires_at":"2025-06-01T13:00:00Z"}`
		require.NoError(t, kv.Put("session", []byte(record)))

		require.Nil(t, store.Load())
	})

	t.Run("corrupt JSON", func(t *testing.T) {
		kv := storage.NewMemStore()
		store := sessionstore.New(kv, zerolog.Nop())
		require.NoError(t, kv.Put("session", []byte(`{"token": "trunc`)))

		require.Nil(t, store.Load())
	})

	t.Run("nothing stored", func(t *testing.T) {
		store := sessionstore.New(storage.NewMemStore(), zerolog.Nop())
		require.Nil(t, store.Load())
	})
}

func TestStore_OptionalFields(t *testing.T) {
	kv := storage.NewMemStore()
	store := sessionstore.New(kv, zerolog.Nop())

	sess := testSession()
	sess.RefreshToken = ""
	sess.AvatarURL = ""
	sess.Subscription = nil
	store.Save(sess)

	loaded := store.Load()
	require.NotNil(t, loaded, "refresh token, avatar and subscription are optional")
	require.Empty(t, loaded.RefreshToken)
	require.Nil(t, loaded.Subscription)
}

func TestStore_Clear(t *testing.T) {
	kv := storage.NewMemStore()
	store := sessionstore.New(kv, zerolog.Nop())

	store.Save(testSession())
	store.Clear()
	require.Nil(t, store.Load())

	// Clearing twice must not blow up.
	store.Clear()
}

// removeJSONField strips one top-level key from a JSON object.
func removeJSONField(t *testing.T, data []byte, field string) []byte {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	delete(obj, field)
	out, err := json.Marshal(obj)
	require.NoError(t, err)
	return out
}
