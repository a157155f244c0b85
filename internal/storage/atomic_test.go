package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicReplaceLeavesWellFormedFileUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	const writers = 10
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		i := i
		go func() {
			defer wg.Done()
			data, _ := json.Marshal(map[string]int{"value": i})
			require.NoError(t, AtomicReplace(path, data))
		}()
	}
	wg.Wait()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	require.GreaterOrEqual(t, got["value"], 0)
	require.Less(t, got["value"], writers)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp.")
	}
}

func TestAtomicReplaceModeAppliesPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.token")
	require.NoError(t, AtomicReplaceMode(path, []byte("tok\n"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteOnceSucceedsOnFirstTry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "once.json")
	require.NoError(t, WriteOnce(path, []byte(fmt.Sprintf(`{"n":%d}`, 1))))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(raw))
}
