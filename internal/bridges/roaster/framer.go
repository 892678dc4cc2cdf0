package roaster

import "sync/atomic"

// maxLineLength bounds a line that never sees a terminator. A valid status
// line is at most 35 bytes.
const maxLineLength = 1024

// lineFramer splits a byte stream into lines on '\r' or '\n'. Runs of
// terminators produce no empty lines. Bytes after the last terminator stay
// buffered until more input arrives.
//
// A lineFramer is owned by a single reader goroutine.
type lineFramer struct {
	buf  []byte
	emit func(RawLine)

	// discarding is set after an overlong line until the next terminator.
	discarding bool
	overflows  atomic.Uint64
}

func newLineFramer(emit func(RawLine)) *lineFramer {
	return &lineFramer{
		buf:  make([]byte, 0, 64),
		emit: emit,
	}
}

// Write feeds p through the framer. It always consumes all of p.
func (f *lineFramer) Write(p []byte) (int, error) {
	for _, b := range p {
		f.feed(b)
	}
	return len(p), nil
}

func (f *lineFramer) feed(b byte) {
	switch b {
	case '\r', '\n':
		if !f.discarding && len(f.buf) > 0 {
			f.emit(RawLine(f.buf))
		}
		f.buf = f.buf[:0]
		f.discarding = false
	default:
		if f.discarding {
			return
		}
		if len(f.buf) >= maxLineLength {
			f.buf = f.buf[:0]
			f.discarding = true
			f.overflows.Add(1)
			return
		}
		f.buf = append(f.buf, b)
	}
}

// pending returns the number of buffered bytes not yet terminated.
func (f *lineFramer) pending() int {
	return len(f.buf)
}
