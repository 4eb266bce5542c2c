// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/invowk/wasmshim/internal/manifest"
)

// MaxComponentSize bounds bytecode read from any source.
const MaxComponentSize = 256 << 20

// fetch reads a component's bytecode and checks its digest.
func (s *Store) fetch(ctx context.Context, src manifest.Source) ([]byte, error) {
	var (
		bin []byte
		err error
	)
	switch src.Kind {
	case manifest.SourceFile:
		bin, err = readFile(src.Path)
	case manifest.SourceInline:
		bin = src.Data
	case manifest.SourceURL:
		bin, err = s.download(ctx, src.URL)
	default:
		err = fmt.Errorf("unsupported source kind %q", src.Kind)
	}
	if err != nil {
		return nil, err
	}

	if src.Digest != "" {
		if got := digestOf(bin); got != src.Digest {
			return nil, fmt.Errorf("%w: declared %s, got %s", ErrDigestMismatch, src.Digest, got)
		}
	}
	return bin, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxComponentSize {
		return nil, fmt.Errorf("%s: %d bytes exceeds the %d byte component limit", path, info.Size(), MaxComponentSize)
	}
	return os.ReadFile(path)
}

func (s *Store) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: %s", url, resp.Status)
	}
	bin, err := io.ReadAll(io.LimitReader(resp.Body, MaxComponentSize+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	if len(bin) > MaxComponentSize {
		return nil, fmt.Errorf("download %s: exceeds the %d byte component limit", url, MaxComponentSize)
	}
	return bin, nil
}
