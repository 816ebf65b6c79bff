package refimpl

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mixminion.io/client/mixnet"
)

// DirectoryFetcher implements mixnet.DirectoryFetcher over plain HTTP,
// transparently ungzipping when url ends in ".gz".
type DirectoryFetcher struct {
	Client *http.Client
}

var _ mixnet.DirectoryFetcher = DirectoryFetcher{}

// Fetch downloads url and returns its decompressed bytes.
func (f DirectoryFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refimpl: fetching %s: status %s", url, resp.Status)
	}
	var r io.Reader = resp.Body
	if strings.HasSuffix(url, ".gz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}
