package web

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// IndexPage serves the root HTML document from disk.
type IndexPage struct {
	path  string
	cache bool

	mu     sync.Mutex
	cached []byte
}

// NewIndexPage returns a page backed by path. With cache set the first
// successful read is kept; otherwise every Load reads the file again.
func NewIndexPage(path string, cache bool) *IndexPage {
	return &IndexPage{path: path, cache: cache}
}

// Path returns the backing file path.
func (p *IndexPage) Path() string {
	return p.path
}

// Load returns the page contents.
func (p *IndexPage) Load() ([]byte, error) {
	if !p.cache {
		return readPage(p.path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return p.cached, nil
	}
	data, err := readPage(p.path)
	if err != nil {
		return nil, err
	}
	p.cached = data
	return data, nil
}

// readPage holds the file open only for the duration of the read.
func readPage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("web: open index: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("web: read index: %w", err)
	}
	return data, nil
}
