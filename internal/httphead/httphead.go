// Package httphead splits HTTP header blocks out of byte buffers.
//
// It tokenizes a head — CRLF-terminated text lines ending with an empty
// line — from the front of a buffer that may hold only a fragment of the
// block, reporting how many bytes were consumed so the caller can resume
// as more bytes arrive.
package httphead

import (
	"bytes"
	"errors"
)

var crlf = []byte("\r\n")

// ErrBadLine is returned when a header line contains bytes that cannot
// appear in HTTP header text.
var ErrBadLine = errors.New("httphead: header line contains control bytes")

// Lines splits a complete header block from the front of buf.
//
// It returns the block's lines without their CRLF terminators and the total
// number of bytes consumed, including the empty line ending the block. A
// consumed count of zero with a nil error means the block is incomplete and
// the caller should retry with more bytes.
func Lines(buf []byte) (lines []string, consumed int, err error) {
	for {
		i := bytes.Index(buf[consumed:], crlf)
		if i < 0 {
			return nil, 0, nil // no complete block yet
		}
		line := buf[consumed : consumed+i]
		consumed += i + len(crlf)
		if len(line) == 0 {
			return lines, consumed, nil
		}
		if !validLine(line) {
			return nil, 0, ErrBadLine
		}
		lines = append(lines, string(line))
	}
}

// validLine reports whether line holds only bytes legal in header text.
// HTAB is allowed, other C0 controls and DEL are not.
func validLine(line []byte) bool {
	for _, b := range line {
		if (b < 0x20 && b != '\t') || b == 0x7f {
			return false
		}
	}
	return true
}
