package resp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// MaxBulkLen bounds the declared length of a single bulk string.
	MaxBulkLen = 512 * 1024 * 1024

	// MaxArrayLen bounds the declared element count of an array.
	MaxArrayLen = 1024 * 1024

	// MaxDepth bounds how deeply arrays may nest.
	MaxDepth = 128

	// MaxBuffered bounds the bytes a Decoder holds for one value.
	MaxBuffered = 1024 * 1024 * 1024

	readChunk = 4096

	// minValueLen is the size of the shortest encoded value ("+\r\n").
	minValueLen = 3
)

var (
	// ErrIncomplete reports that the buffer does not yet hold a whole value.
	// It is not a failure: the caller should append more bytes and retry.
	ErrIncomplete = errors.New("resp: incomplete value")

	// ErrProtocol reports malformed input. The stream cannot be resynchronized.
	ErrProtocol = errors.New("resp: protocol error")

	// ErrLimitExceeded reports input that is well formed so far but exceeds a
	// size or nesting limit. Errors wrapping it also wrap ErrProtocol.
	ErrLimitExceeded = errors.New("resp: limit exceeded")
)

var crlf = []byte{'\r', '\n'}

// Parse decodes exactly one value from the start of buf and returns it along
// with the number of bytes it occupied. It returns ErrIncomplete if buf holds
// only a prefix of a value and an error wrapping ErrProtocol if the input is
// malformed. Parse never consumes a partial value.
func Parse(buf []byte) (Value, int, error) {
	v, n, err := parse(buf, 0)
	if err != nil {
		return nil, 0, err
	}
	return v, n, nil
}

// parse is Parse at the given nesting depth. When it returns ErrIncomplete, n
// is a lower bound on the total length of the value, which callers use to
// avoid parsing again before enough bytes have arrived.
func parse(buf []byte, depth int) (v Value, n int, err error) {
	if len(buf) == 0 {
		return nil, 1, ErrIncomplete
	}
	switch buf[0] {
	case '+':
		v, n, err = parseString(buf[1:])
	case '-':
		v, n, err = parseError(buf[1:])
	case ':':
		v, n, err = parseInteger(buf[1:])
	case '$':
		v, n, err = parseBulkString(buf[1:])
	case '*':
		v, n, err = parseArray(buf[1:], depth)
	default:
		return nil, 0, fmt.Errorf("%w: unknown type byte %q", ErrProtocol, buf[0])
	}
	if err != nil && !errors.Is(err, ErrIncomplete) {
		return nil, 0, err
	}
	return v, n + 1, err
}

// ParseRDBFile decodes a snapshot frame: "$<len>\r\n" followed by exactly len
// raw bytes and no terminator.
func ParseRDBFile(buf []byte) (Value, int, error) {
	v, n, err := parseRDBFile(buf)
	if err != nil {
		return nil, 0, err
	}
	return v, n, nil
}

func parseRDBFile(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return nil, 1, ErrIncomplete
	}
	if buf[0] != '$' {
		return nil, 0, fmt.Errorf("%w: expected snapshot prefix, got %q", ErrProtocol, buf[0])
	}
	length, n, err := readLength(buf[1:], MaxBulkLen)
	if err != nil {
		return nil, 1 + n, err
	}
	if length < 0 {
		return nil, 0, fmt.Errorf("%w: negative snapshot length", ErrProtocol)
	}
	end := 1 + n + length
	if len(buf) < end {
		return nil, end, ErrIncomplete
	}
	return RDBFile(buf[1+n : end]), end, nil
}

func parseString(buf []byte) (Value, int, error) {
	line, n, err := readLine(buf)
	if err != nil {
		return nil, n, err
	}
	return String(line), n, nil
}

func parseError(buf []byte) (Value, int, error) {
	line, n, err := readLine(buf)
	if err != nil {
		return nil, n, err
	}
	return SimpleError(line), n, nil
}

func parseInteger(buf []byte) (Value, int, error) {
	line, n, err := readLine(buf)
	if err != nil {
		return nil, n, err
	}
	i, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line)
	}
	return Integer(i), n, nil
}

// parseBulkString slices the payload by its declared length. The two bytes
// after the payload are skipped as the terminator without being checked.
func parseBulkString(buf []byte) (Value, int, error) {
	length, n, err := readLength(buf, MaxBulkLen)
	if err != nil {
		return nil, n, err
	}
	if length == -1 {
		return NullBulkString{}, n, nil
	}
	end := n + length + len(crlf)
	if len(buf) < end {
		return nil, end, ErrIncomplete
	}
	return BulkString(buf[n : n+length]), end, nil
}

func parseArray(buf []byte, depth int) (Value, int, error) {
	if depth >= MaxDepth {
		return nil, 0, fmt.Errorf("%w: %w: arrays nested deeper than %d", ErrProtocol, ErrLimitExceeded, MaxDepth)
	}
	count, n, err := readLength(buf, MaxArrayLen)
	if err != nil {
		return nil, n, err
	}
	if count == -1 {
		return Array{}, n, nil
	}
	result := make(Array, 0, min(count, 64))
	for i := range count {
		el, m, err := parse(buf[n:], depth+1)
		if err != nil {
			if errors.Is(err, ErrIncomplete) {
				// Every remaining element needs at least minValueLen bytes.
				return nil, n + m + (count-i-1)*minValueLen, err
			}
			return nil, 0, err
		}
		result = append(result, el)
		n += m
	}
	return result, n, nil
}

// readLine returns the bytes before the first CRLF and the number of bytes
// consumed including the CRLF.
func readLine(buf []byte) ([]byte, int, error) {
	i := bytes.Index(buf, crlf)
	if i < 0 {
		return nil, len(buf) + 1, ErrIncomplete
	}
	return buf[:i], i + len(crlf), nil
}

// readLength reads a decimal length header. -1 is the only negative value
// accepted.
func readLength(buf []byte, limit int) (int, int, error) {
	line, n, err := readLine(buf)
	if err != nil {
		return 0, n, err
	}
	length, err := strconv.Atoi(string(line))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid length %q", ErrProtocol, line)
	}
	if length < -1 {
		return 0, 0, fmt.Errorf("%w: invalid length %d", ErrProtocol, length)
	}
	if length > limit {
		return 0, 0, fmt.Errorf("%w: %w: length %d exceeds %d", ErrProtocol, ErrLimitExceeded, length, limit)
	}
	return length, n, nil
}

// Decoder provides functionality to continuously decode incoming RESP-encoded
// byte streams. Bytes that arrive ahead of the value being decoded are kept
// for the next call.
type Decoder struct {
	reader      io.Reader
	buf         []byte
	chunk       []byte
	consumed    int64
	maxBuffered int
	// need is a lower bound on the buffered bytes the pending value requires.
	need int
}

type DecoderOption func(*Decoder)

// WithMaxBuffered overrides MaxBuffered.
func WithMaxBuffered(n int) DecoderOption {
	return func(d *Decoder) {
		d.maxBuffered = n
	}
}

// NewDecoder provides a decoder that reads bytes from the provided reader.
func NewDecoder(reader io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		reader:      reader,
		chunk:       make([]byte, readChunk),
		maxBuffered: MaxBuffered,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode reads the next RESP value from the input stream. If the input is
// malformed, it returns an error wrapping ErrProtocol.
func (d *Decoder) Decode() (Value, error) {
	return d.next(func(buf []byte) (Value, int, error) {
		return parse(buf, 0)
	})
}

// DecodeRDBFile reads a snapshot frame from the input stream. Since the
// prefix for RDB files is the same as the prefix for bulk strings, the caller
// is responsible for knowing that a file comes next.
func (d *Decoder) DecodeRDBFile() (RDBFile, error) {
	v, err := d.next(parseRDBFile)
	if err != nil {
		return "", err
	}
	return v.(RDBFile), nil
}

// Consumed returns the total number of bytes taken by decoded values.
func (d *Decoder) Consumed() int64 {
	return d.consumed
}

// Buffered returns the number of bytes read but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) next(parse func([]byte) (Value, int, error)) (Value, error) {
	d.need = 0
	for {
		if len(d.buf) > 0 && len(d.buf) >= d.need {
			v, n, err := parse(d.buf)
			if err == nil {
				d.buf = append(d.buf[:0], d.buf[n:]...)
				d.consumed += int64(n)
				d.need = 0
				return v, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
			d.need = n
		}
		if d.need > d.maxBuffered || len(d.buf) >= d.maxBuffered {
			return nil, fmt.Errorf("%w: %w: value exceeds %d buffered bytes", ErrProtocol, ErrLimitExceeded, d.maxBuffered)
		}
		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

func (d *Decoder) fill() error {
	n, err := d.reader.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
		return nil
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) && len(d.buf) > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}
