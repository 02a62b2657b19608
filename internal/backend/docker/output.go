package docker

import (
	"bytes"
	"strings"
	"sync"
)

// lineCapture collects a container stream up to a byte limit and forwards
// each complete line to an optional callback.
type lineCapture struct {
	mu      sync.Mutex
	limit   int
	buf     bytes.Buffer
	partial []byte
	emit    func(string)
}

func newLineCapture(limit int, emit func(string)) *lineCapture {
	return &lineCapture{limit: limit, emit: emit}
}

func (c *lineCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) <= room {
			c.buf.Write(p)
		} else {
			c.buf.Write(p[:room])
		}
	}

	if c.emit == nil {
		return len(p), nil
	}
	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		c.emit(strings.TrimSuffix(string(c.partial[:i]), "\r"))
		c.partial = c.partial[i+1:]
	}
	// Bound the pending line like the captured output.
	if len(c.partial) > c.limit {
		c.emit(string(c.partial))
		c.partial = nil
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (c *lineCapture) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emit != nil && len(c.partial) > 0 {
		c.emit(string(c.partial))
	}
	c.partial = nil
}

func (c *lineCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
