// Package resp implements the RESP wire format: encoding of protocol values
// and incremental decoding from a byte buffer or stream.
package resp

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a single protocol datum.
type Value interface {
	Encode() []byte
}

// Array is an ordered list of values. A null array ("*-1") decodes to an
// empty Array.
type Array []Value

func (a Array) Encode() []byte {
	result := append([]byte{'*'}, []byte(strconv.Itoa(len(a)))...)
	result = append(result, '\r', '\n')
	for _, el := range a {
		result = append(result, el.Encode()...)
	}
	return result
}

// String is a simple status line. CR and LF are written as spaces.
type String string

func (s String) Encode() []byte {
	return appendLine([]byte{'+'}, string(s))
}

// BulkString is a length-prefixed, binary-safe payload. Go strings hold
// arbitrary bytes, so no UTF-8 validity is implied.
type BulkString string

func (b BulkString) Encode() []byte {
	result := append([]byte{'$'}, []byte(strconv.Itoa(len(b)))...)
	result = append(result, '\r', '\n')
	result = append(result, []byte(b)...)
	result = append(result, '\r', '\n')
	return result
}

// NullBulkString is the absent bulk value ("$-1").
type NullBulkString struct{}

func (n NullBulkString) Encode() []byte {
	return []byte{'$', '-', '1', '\r', '\n'}
}

// SimpleError is an error status line. By convention it starts with an
// upper-case kind such as ERR or WRONGTYPE. CR and LF are written as spaces.
type SimpleError string

// Errorf returns a generic ERR error with the given message.
func Errorf(format string, args ...any) SimpleError {
	return SimpleError("ERR " + fmt.Sprintf(format, args...))
}

func (s SimpleError) Encode() []byte {
	return appendLine([]byte{'-'}, string(s))
}

func (s SimpleError) Error() string {
	return string(s)
}

// Kind returns the leading upper-case word, or "" if there is none.
func (s SimpleError) Kind() string {
	kind, _, ok := strings.Cut(string(s), " ")
	if !ok || kind == "" {
		return ""
	}
	for _, c := range kind {
		if c < 'A' || c > 'Z' {
			return ""
		}
	}
	return kind
}

// Message returns the text after the kind.
func (s SimpleError) Message() string {
	if kind := s.Kind(); kind != "" {
		return string(s)[len(kind)+1:]
	}
	return string(s)
}

var lineReplacer = strings.NewReplacer("\r", " ", "\n", " ")

// appendLine appends line and a CRLF terminator. Line breaks inside line
// would end the value early, so they are replaced.
func appendLine(dst []byte, line string) []byte {
	dst = append(dst, lineReplacer.Replace(line)...)
	return append(dst, '\r', '\n')
}

type Integer int64

func (i Integer) Encode() []byte {
	result := []byte{':'}
	result = append(result, []byte(strconv.FormatInt(int64(i), 10))...)
	result = append(result, '\r', '\n')
	return result
}

// RDBFile is a snapshot attached to a full resynchronization. It is framed
// like a bulk string but has no trailing CRLF.
type RDBFile string

func (r RDBFile) Encode() []byte {
	result := append([]byte{'$'}, []byte(strconv.Itoa(len(r)))...)
	result = append(result, '\r', '\n')
	result = append(result, []byte(r)...)
	return result
}

// Command builds a request array of bulk strings.
func Command(name string, args ...string) Array {
	result := make(Array, 0, len(args)+1)
	result = append(result, BulkString(name))
	for _, arg := range args {
		result = append(result, BulkString(arg))
	}
	return result
}
