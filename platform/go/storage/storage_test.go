package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestResolveObjectLocation(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()

	loc, err := ResolveObjectLocation("user-1", agentID, "zapagent-dev", "training/catalog.pdf")
	require.NoError(t, err)
	require.Equal(t, "zapagent-dev", loc.Bucket)
	require.Equal(t, "agents/user-1/"+agentID.String()+"/training/catalog.pdf", loc.FullPath)
}

func TestResolveObjectLocationValidation(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()

	_, err := ResolveObjectLocation("user-1", agentID, "", "k")
	require.Error(t, err)

	_, err = ResolveObjectLocation("", agentID, "bucket", "k")
	require.Error(t, err)

	_, err = ResolveObjectLocation("user-1", uuid.Nil, "bucket", "k")
	require.Error(t, err)

	_, err = ResolveObjectLocation("user-1", agentID, "bucket", "  ")
	require.Error(t, err)

	_, err = ResolveObjectLocation("user-1", agentID, "bucket", "../../etc/passwd")
	require.Error(t, err)
}

func TestLocalStorePut(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewLocalStore(dir)

	agentID := uuid.New()
	loc, err := ResolveObjectLocation("user-1", agentID, "zapagent-dev", "training/notes.txt")
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), loc, "text/plain", strings.NewReader("hello")))

	written, err := os.ReadFile(filepath.Join(dir, "zapagent-dev", filepath.FromSlash(loc.FullPath)))
	require.NoError(t, err)
	require.Equal(t, "hello", string(written))
}
