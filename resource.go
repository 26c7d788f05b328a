package zerofish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const maxResourceBytes = 512 << 20

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

// Fetcher returns the weight payload for a network key.
type Fetcher interface {
	Fetch(ctx context.Context, key ResourceKey) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, key ResourceKey) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key ResourceKey) ([]byte, error) {
	return f(ctx, key)
}

// DirFetcher reads weights from files named by their key below Dir.
// zstd-compressed files are decoded transparently.
type DirFetcher struct {
	Dir string
}

func (f DirFetcher) Fetch(ctx context.Context, key ResourceKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := filepath.FromSlash(string(key))
	if name == "" || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("invalid resource key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, name))
	if err != nil {
		return nil, err
	}
	return decodeResource(data)
}

// HTTPFetcher downloads weights from BaseURL joined with the key.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, key ResourceKey) ([]byte, error) {
	if key == "" || strings.Contains(string(key), "..") {
		return nil, fmt.Errorf("invalid resource key %q", key)
	}
	target, err := url.JoinPath(f.BaseURL, string(key))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", target, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxResourceBytes {
		return nil, fmt.Errorf("fetch %s: payload exceeds %d bytes", target, maxResourceBytes)
	}
	return decodeResource(data)
}

func decodeResource(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	decoder, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	decoded, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode zstd weights: %w", err)
	}
	return decoded, nil
}
