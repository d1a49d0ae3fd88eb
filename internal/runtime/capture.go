// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"bytes"
	"io"
	"sync"
)

// MaxCapturedOutput bounds the captured stdout or stderr of one step.
// Older output is dropped first.
const MaxCapturedOutput = 1 << 20

const truncatedMarker = "[... output truncated ...]\n"

// capture keeps the tail of a stream and optionally tees it to a live writer.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
	tee       io.Writer
}

func newCapture(tee io.Writer) *capture {
	return &capture{tee: tee}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)
	if over := c.buf.Len() - MaxCapturedOutput; over > 0 {
		c.buf.Next(over)
		c.truncated = true
	}
	if c.tee != nil {
		// live output is best effort
		_, _ = c.tee.Write(p)
	}
	return len(p), nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return truncatedMarker + c.buf.String()
	}
	return c.buf.String()
}
