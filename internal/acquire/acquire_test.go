package acquire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testModTime = time.Unix(0, 0)

func TestAcquireDownloadsAndWritesSidecar(t *testing.T) {
	const content = "hello dump contents"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "dump.xml.bz2", testModTime, strings.NewReader(content))
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "dump", "enwiki.xml.bz2")

	result, errE := Acquire(context.Background(), NewHTTPClient(), server.URL, dest)
	require.NoError(t, errE)
	assert.False(t, result.AlreadyFresh)
	assert.Equal(t, int64(len(content)), result.BytesWritten)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	_, err = os.Stat(dest + ".sha256")
	require.NoError(t, err)
}

func TestAcquireSkipsNetworkWhenAlreadyFresh(t *testing.T) {
	calls := 0
	const content = "cached content"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.ServeContent(w, r, "dump.xml.bz2", testModTime, strings.NewReader(content))
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "enwiki.xml.bz2")

	_, errE := Acquire(context.Background(), NewHTTPClient(), server.URL, dest)
	require.NoError(t, errE)
	assert.Equal(t, 1, calls)

	result, errE := Acquire(context.Background(), NewHTTPClient(), server.URL, dest)
	require.NoError(t, errE)
	assert.True(t, result.AlreadyFresh)
	assert.Equal(t, 1, calls)
}
