package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"sync"
)

var hashPool = sync.Pool{
	New: func() interface{} {
		return sha256.New()
	},
}

// ContentFilter drops modifications that leave a file's content unchanged,
// such as an editor re-saving an untouched buffer. Line ending differences
// (\r\n, \r, \n) do not count as changes.
type ContentFilter struct {
	mu     sync.Mutex
	hashes map[string]string
}

// NewContentFilter creates an empty filter. The first event seen for a path always passes.
func NewContentFilter() *ContentFilter {
	return &ContentFilter{hashes: make(map[string]string)}
}

// Changed reports whether e should be delivered and remembers the file's
// current hash. Removals always pass and reset the path.
func (cf *ContentFilter) Changed(e FileEvent) bool {
	if e.EventType == EventDeleted || e.EventType == EventRenamed {
		cf.mu.Lock()
		delete(cf.hashes, e.Path)
		cf.mu.Unlock()
		return true
	}

	sum, err := hashFile(e.Path)
	if err != nil {
		// Unreadable right now (e.g. mid-write); let the engine decide
		return true
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	prev, seen := cf.hashes[e.Path]
	cf.hashes[e.Path] = sum
	return !seen || prev != sum
}

// Filter returns the events of batch that carry a content change, in order.
func (cf *ContentFilter) Filter(batch []FileEvent) []FileEvent {
	out := batch[:0:0]
	for _, e := range batch {
		if cf.Changed(e) {
			out = append(out, e)
		}
	}
	return out
}

// Tracked returns the number of paths with a remembered hash.
func (cf *ContentFilter) Tracked() int {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return len(cf.hashes)
}

// hashFile returns the SHA-256 of the file with line endings normalized to \n
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := hashPool.Get().(hash.Hash)
	defer func() {
		h.Reset()
		hashPool.Put(h)
	}()

	n := &lineEndingNormalizer{w: h}
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(n, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// lineEndingNormalizer rewrites \r\n and lone \r as \n. A \r at the end of
// one chunk is resolved when the next chunk arrives.
type lineEndingNormalizer struct {
	w       io.Writer
	afterCR bool
	out     []byte
}

func (n *lineEndingNormalizer) Write(p []byte) (int, error) {
	n.out = n.out[:0]
	for _, b := range p {
		switch {
		case b == '\r':
			n.out = append(n.out, '\n')
			n.afterCR = true
		case b == '\n' && n.afterCR:
			// second half of \r\n, already emitted
			n.afterCR = false
		default:
			n.out = append(n.out, b)
			n.afterCR = false
		}
	}
	if _, err := n.w.Write(n.out); err != nil {
		return 0, err
	}
	return len(p), nil
}
