package pool

import (
	"bytes"
	"regexp"
	"sync"
)

// PatternCache is the process-wide compiled-pattern cache. It is created once
// by the host at startup and shared by every guard, so a pattern is compiled
// at most once per process lifetime (or per TTL, if one is configured).
type PatternCache struct {
	pool *Pool[*regexp.Regexp]
}

// NewPatternCache creates a cache holding up to maxSize compiled patterns.
func NewPatternCache(maxSize int) (*PatternCache, error) {
	p, err := New[*regexp.Regexp](Options{MaxSize: maxSize})
	if err != nil {
		return nil, err
	}
	return &PatternCache{pool: p}, nil
}

// Compile returns the compiled form of expr, compiling it on first use.
func (c *PatternCache) Compile(expr string) (*regexp.Regexp, error) {
	return c.pool.Get(expr, func() (*regexp.Regexp, error) {
		return regexp.Compile(expr)
	})
}

// MustCompile is Compile for patterns known to be valid at build time.
func (c *PatternCache) MustCompile(expr string) *regexp.Regexp {
	re, err := c.Compile(expr)
	if err != nil {
		panic("pool: invalid pattern " + expr + ": " + err.Error())
	}
	return re
}

// Cleanup drops expired patterns.
func (c *PatternCache) Cleanup() int {
	return c.pool.Cleanup()
}

// Stats returns the underlying pool counters.
func (c *PatternCache) Stats() Stats {
	return c.pool.Stats()
}

var buffers = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBuffer checks a scratch buffer out of the shared buffer pool.
func GetBuffer() *bytes.Buffer {
	return buffers.Get().(*bytes.Buffer)
}

// PutBuffer resets buf and returns it to the shared buffer pool. Oversized
// buffers are dropped so one huge payload doesn't pin memory.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1<<20 {
		return
	}
	buf.Reset()
	buffers.Put(buf)
}
