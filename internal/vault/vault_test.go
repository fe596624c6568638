package vault

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vault.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewAESGCM(key)
	require.NoError(t, err)

	require.NoError(t, st.InsertProject(models.Project{
		ID:            "proj-1",
		RepoFullName:  "acme/widgets",
		DefaultBranch: "main",
		OwnerID:       "user-1",
	}))
	return New(st, c)
}

func TestPutRejectsInvalidNames(t *testing.T) {
	v := newTestVault(t)
	err := v.Put("proj-1", "db-password", []byte("hunter2"))
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestPutMaterialiseRoundTrip(t *testing.T) {
	v := newTestVault(t)

	require.NoError(t, v.Put("proj-1", "DB_PASSWORD", []byte("hunter2")))
	require.NoError(t, v.Put("proj-1", "API_KEY", []byte("sk-abc")))

	plaintexts, err := v.Materialise("proj-1")
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), plaintexts["DB_PASSWORD"])
	require.Equal(t, []byte("sk-abc"), plaintexts["API_KEY"])

	Zeroize(plaintexts)
	require.Empty(t, plaintexts)
}

func TestDeleteThenMaterialiseOmitsSecret(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Put("proj-1", "TOKEN", []byte("abc")))
	require.NoError(t, v.Delete("proj-1", "TOKEN"))

	plaintexts, err := v.Materialise("proj-1")
	require.NoError(t, err)
	require.NotContains(t, plaintexts, "TOKEN")
}
