package local

import (
	"bufio"
	"io"
)

const maxLineSize = 1 << 20

// forEachLine calls fn for every line read from r until EOF or a read error.
func forEachLine(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Drain anything left after an oversized line so the writer never blocks.
	io.Copy(io.Discard, r)
}
