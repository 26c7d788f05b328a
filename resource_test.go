package zerofish

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestDirFetcherReadsPlainAndCompressedWeights(t *testing.T) {
	dir := t.TempDir()
	weights := []byte("maia-1500 weights payload")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maia-1500.pb"), weights, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maia-1900.pb.zst"), compress(t, weights), 0o644))

	fetcher := DirFetcher{Dir: dir}
	got, err := fetcher.Fetch(context.Background(), "maia-1500.pb")
	require.NoError(t, err)
	assert.Equal(t, weights, got)

	got, err = fetcher.Fetch(context.Background(), "maia-1900.pb.zst")
	require.NoError(t, err)
	assert.Equal(t, weights, got)
}

func TestDirFetcherRejectsEscapingKeys(t *testing.T) {
	fetcher := DirFetcher{Dir: t.TempDir()}
	for _, key := range []ResourceKey{"", "../secret", "/etc/passwd"} {
		_, err := fetcher.Fetch(context.Background(), key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestDirFetcherMissingFile(t *testing.T) {
	_, err := DirFetcher{Dir: t.TempDir()}.Fetch(context.Background(), "absent")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestHTTPFetcher(t *testing.T) {
	weights := []byte("network bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nets/a.pb":
			_, _ = w.Write(weights)
		case "/nets/b.pb.zst":
			_, _ = w.Write(compress(t, weights))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetcher := HTTPFetcher{BaseURL: srv.URL + "/nets", Client: srv.Client()}

	got, err := fetcher.Fetch(context.Background(), "a.pb")
	require.NoError(t, err)
	assert.Equal(t, weights, got)

	got, err = fetcher.Fetch(context.Background(), "b.pb.zst")
	require.NoError(t, err)
	assert.Equal(t, weights, got)

	_, err = fetcher.Fetch(context.Background(), "missing.pb")
	assert.ErrorContains(t, err, "404")

	_, err = fetcher.Fetch(context.Background(), "../a.pb")
	assert.Error(t, err)
}

func TestDecodeResourceRejectsCorruptFrames(t *testing.T) {
	corrupt := append(append([]byte(nil), zstdMagic...), 0xff, 0xff, 0xff)
	_, err := decodeResource(corrupt)
	assert.Error(t, err)
}
