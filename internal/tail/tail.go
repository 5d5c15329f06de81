// Package tail keeps the most recent lines of a text stream, for agent
// logs and captured stderr.
package tail

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// MaxLineBytes bounds a single line accepted by Scan.
const MaxLineBytes = 1024 * 1024

// Buffer is a ring of the last lines added. Blank lines are dropped and a
// trailing carriage return is stripped. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	ring    []string
	next    int
	full    bool
	maxLine int
}

// New keeps up to n lines, each cut to maxLine bytes. maxLine <= 0 keeps
// lines whole; n <= 0 keeps nothing.
func New(n, maxLine int) *Buffer {
	if n < 0 {
		n = 0
	}
	return &Buffer{ring: make([]string, n), maxLine: maxLine}
}

func (b *Buffer) Add(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if b.maxLine > 0 && len(line) > b.maxLine {
		line = line[:b.maxLine]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return
	}
	b.ring[b.next] = line
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
}

// Lines returns the kept lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]string{}, b.ring[:b.next]...)
	}
	out := make([]string, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

// Scan adds every line of r until EOF.
func (b *Buffer) Scan(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 16*1024), MaxLineBytes)
	for sc.Scan() {
		b.Add(sc.Text())
	}
	return sc.Err()
}
