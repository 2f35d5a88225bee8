package command

import (
	"bytes"
	"sync"
)

// stderrBuffer keeps at most bufLimit bytes of output, truncating every line to
// lineLimit bytes. Writes never fail so the child process is never blocked.
type stderrBuffer struct {
	m         sync.Mutex
	buf       []byte
	bufLimit  int
	lineLimit int

	currentLineLength int
}

func newStderrBuffer(bufLimit, lineLimit int) *stderrBuffer {
	return &stderrBuffer{
		buf:       make([]byte, 0, lineLimit),
		bufLimit:  bufLimit,
		lineLimit: lineLimit,
	}
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.m.Lock()
	defer b.m.Unlock()

	rest := p
	for len(rest) > 0 && len(b.buf) < b.bufLimit {
		line := rest
		newline := false
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i], rest[i+1:]
			newline = true
		} else {
			rest = nil
		}

		keep := len(line)
		if room := b.lineLimit - b.currentLineLength; keep > room {
			keep = room
		}
		if room := b.bufLimit - len(b.buf); keep > room {
			keep = room
		}
		b.buf = append(b.buf, line[:keep]...)
		b.currentLineLength += keep

		if newline {
			b.currentLineLength = 0
			if len(b.buf) >= b.bufLimit {
				break
			}
			b.buf = append(b.buf, '\n')
		}
	}

	return len(p), nil
}

func (b *stderrBuffer) Len() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.buf)
}

func (b *stderrBuffer) String() string {
	b.m.Lock()
	defer b.m.Unlock()
	return string(b.buf)
}
