package fetchers

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Fetcher retrieves external XML resources referenced by href attributes.
type Fetcher interface {
	Supports(uri string) bool
	Fetch(uri string) ([]byte, error)
}

// FileFetcher reads resources from the local filesystem. Bare paths and
// file:// URIs are both accepted.
type FileFetcher struct{}

// NewFileFetcher creates a filesystem fetcher
func NewFileFetcher() *FileFetcher {
	return &FileFetcher{}
}

func (f *FileFetcher) Supports(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return parsed.Scheme == "" || parsed.Scheme == "file"
}

func (f *FileFetcher) Fetch(uri string) ([]byte, error) {
	path := uri
	if parsed, err := url.Parse(uri); err == nil && parsed.Scheme == "file" {
		path = parsed.Path
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("file not found for URI %q: %w", uri, err)
	}
	return data, nil
}

// CompositeFetcher delegates to the first supporting fetcher
type CompositeFetcher struct {
	fetchers []Fetcher
}

// NewCompositeFetcher creates a fetcher chain
func NewCompositeFetcher(fetchers ...Fetcher) *CompositeFetcher {
	return &CompositeFetcher{fetchers: fetchers}
}

func (c *CompositeFetcher) Supports(uri string) bool {
	for _, fetcher := range c.fetchers {
		if fetcher.Supports(uri) {
			return true
		}
	}
	return false
}

func (c *CompositeFetcher) Fetch(uri string) ([]byte, error) {
	for _, fetcher := range c.fetchers {
		if fetcher.Supports(uri) {
			return fetcher.Fetch(uri)
		}
	}
	return nil, fmt.Errorf("no fetcher available to handle URI %q", uri)
}
