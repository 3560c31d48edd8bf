// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-harvester/internal/storage"
	"github.com/JakeFAU/market-harvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tempDir := t.TempDir()
		cfg := local.Config{BaseDir: tempDir}
		store, err := local.New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		cfg := local.Config{}
		_, err := local.New(cfg)
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp("", "testfile")
		require.NoError(t, err)
		t.Cleanup(func() {
			removeErr := os.Remove(tempFile.Name())
			if removeErr != nil && !os.IsNotExist(removeErr) {
				t.Fatalf("failed to remove temp file: %v", removeErr)
			}
		})

		cfg := local.Config{BaseDir: tempFile.Name()}
		_, err = local.New(cfg)
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tempDir := t.TempDir()
		// Change permissions to read-only
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		err := os.Chmod(tempDir, 0o500)
		require.NoError(t, err)

		cfg := local.Config{BaseDir: tempDir}
		_, err = local.New(cfg)
		assert.Error(t, err)

		// Change back to writable so cleanup can happen
		// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
		err = os.Chmod(tempDir, 0o700)
		require.NoError(t, err)
	})
}

func TestPutObject(t *testing.T) {
	baseDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: baseDir})
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		body    string
		wantErr bool
	}{
		{name: "archive month", path: "archive/2017-03.json", body: `{"response":{"docs":[]}}`},
		{name: "failure dump", path: "failures/timeline/IBM/run-1/3.txt", body: "<html>rate limited</html>"},
		{name: "overwrite", path: "archive/2017-03.json", body: `{"response":{"docs":[{}]}}`},
		{name: "traversal", path: "../escape.txt", body: "x", wantErr: true},
		{name: "empty path", path: " ", body: "x", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			uri, err := store.PutObject(context.Background(), tc.path, "text/plain", bytes.NewReader([]byte(tc.body)))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			full := filepath.Join(baseDir, tc.path)
			assert.Equal(t, "file://"+full, uri)

			// #nosec G304 -- test reads from the controlled temp directory.
			written, err := os.ReadFile(full)
			require.NoError(t, err)
			assert.Equal(t, tc.body, string(written))
		})
	}
}

func TestGetObject(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.GetObject(ctx, "archive/IBM/2024-03.html")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)

	_, err = store.PutObject(ctx, "archive/IBM/2024-03.html", "text/html", bytes.NewReader([]byte("<html/>")))
	require.NoError(t, err)
	got, err := store.GetObject(ctx, "archive/IBM/2024-03.html")
	require.NoError(t, err)
	assert.Equal(t, "<html/>", string(got))

	_, err = store.GetObject(ctx, "../../etc/passwd")
	assert.Error(t, err)
}
