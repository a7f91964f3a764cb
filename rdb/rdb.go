// Package rdb encodes and decodes keyspace snapshots in the RDB binary
// format exchanged during a full resynchronization.
//
// Only string values are supported. Checksums are written as zero, which
// readers treat as "checksum disabled", and ignored when reading.
package rdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/rafaelvchaves/respkv/lib/optional"
	lzf "github.com/zhuyie/golzf"
)

const (
	emptyRDB = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

	magic   = "REDIS"
	version = "0011"

	// Op Codes
	eof          = 0xff
	selectDB     = 0xfe
	expireTime   = 0xfd
	expireTimeMS = 0xfc
	resizeDB     = 0xfb
	aux          = 0xfa

	// Value types
	stringValue = 0

	// Special string encodings, selected by the low bits of a length byte
	// whose two high bits are set.
	encInt8  = 0
	encInt16 = 1
	encInt32 = 2
	encLZF   = 3

	// Strings at or below this length are never compressed.
	compressThreshold = 20

	maxStringLen = 512 * 1024 * 1024
)

var ErrFormat = errors.New("rdb: invalid format")

// Entry is one key/value pair in a snapshot.
type Entry struct {
	Key       string
	Value     string
	ExpiresAt optional.Value[time.Time]
}

// File is a decoded snapshot.
type File struct {
	Version string
	Aux     map[string]string
	Entries []Entry
}

// Empty returns the canonical snapshot of an empty keyspace.
func Empty() []byte {
	b, err := hex.DecodeString(emptyRDB)
	if err != nil {
		panic(err)
	}
	return b
}

// Encode serializes entries into database 0 of a snapshot. Entries are
// written in key order; an empty keyspace yields Empty().
func Encode(entries []Entry) []byte {
	if len(entries) == 0 {
		return Empty()
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var buf bytes.Buffer
	buf.WriteString(magic + version)
	writeAux(&buf, "redis-ver", "7.2.0")
	writeAux(&buf, "redis-bits", "64")

	var expires int
	for _, e := range sorted {
		if e.ExpiresAt.IsPresent() {
			expires++
		}
	}
	buf.WriteByte(selectDB)
	writeLength(&buf, 0)
	buf.WriteByte(resizeDB)
	writeLength(&buf, uint64(len(sorted)))
	writeLength(&buf, uint64(expires))

	for _, e := range sorted {
		if at, ok := e.ExpiresAt.Get(); ok {
			buf.WriteByte(expireTimeMS)
			var ms [8]byte
			binary.LittleEndian.PutUint64(ms[:], uint64(at.UnixMilli()))
			buf.Write(ms[:])
		}
		buf.WriteByte(stringValue)
		writeString(&buf, e.Key)
		writeString(&buf, e.Value)
	}
	buf.WriteByte(eof)
	buf.Write(make([]byte, 8))
	return buf.Bytes()
}

func writeAux(buf *bytes.Buffer, key, value string) {
	buf.WriteByte(aux)
	writeString(buf, key)
	writeString(buf, value)
}

func writeLength(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 1<<6:
		buf.WriteByte(byte(n))
	case n < 1<<14:
		buf.WriteByte(0x40 | byte(n>>8))
		buf.WriteByte(byte(n))
	case n <= 0xffffffff:
		buf.WriteByte(0x80)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(0x81)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], n)
		buf.Write(b[:])
	}
}

func writeString(buf *bytes.Buffer, s string) {
	if i, err := strconv.ParseInt(s, 10, 32); err == nil && strconv.FormatInt(i, 10) == s {
		switch {
		case i >= -1<<7 && i < 1<<7:
			buf.WriteByte(0xc0 | encInt8)
			buf.WriteByte(byte(int8(i)))
		case i >= -1<<15 && i < 1<<15:
			buf.WriteByte(0xc0 | encInt16)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(int16(i)))
			buf.Write(b[:])
		default:
			buf.WriteByte(0xc0 | encInt32)
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(int32(i)))
			buf.Write(b[:])
		}
		return
	}
	if len(s) > compressThreshold {
		// Only worth it if at least 4 bytes are saved.
		out := make([]byte, len(s)-4)
		if n, err := lzf.Compress([]byte(s), out); err == nil && n > 0 {
			buf.WriteByte(0xc0 | encLZF)
			writeLength(buf, uint64(n))
			writeLength(buf, uint64(len(s)))
			buf.Write(out[:n])
			return
		}
	}
	writeLength(buf, uint64(len(s)))
	buf.WriteString(s)
}

// Decode parses a snapshot. Bytes after the EOF marker (the checksum) are
// ignored.
func Decode(rdb []byte) (File, error) {
	reader := bufio.NewReader(bytes.NewReader(rdb))
	f, err := decode(reader)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return File{}, fmt.Errorf("%w: truncated", ErrFormat)
	}
	return f, err
}

func decode(reader *bufio.Reader) (File, error) {
	// Read header, which contains "REDIS" magic string and version number.
	header, err := readN(reader, len(magic)+len(version))
	if err != nil {
		return File{}, err
	}
	if string(header[:len(magic)]) != magic {
		return File{}, fmt.Errorf("%w: magic string not found", ErrFormat)
	}
	result := File{
		Version: string(header[len(magic):]),
		Aux:     make(map[string]string),
	}

	var expiry optional.Value[time.Time]
	for {
		op, err := reader.ReadByte()
		if err != nil {
			return File{}, err
		}
		switch op {
		case eof:
			return result, nil
		case aux:
			key, err := readString(reader)
			if err != nil {
				return File{}, err
			}
			value, err := readString(reader)
			if err != nil {
				return File{}, err
			}
			result.Aux[key] = value
		case selectDB:
			if _, err := readPlainLength(reader); err != nil {
				return File{}, err
			}
		case resizeDB:
			// Hash table size, then expire hash table size.
			for range 2 {
				if _, err := readPlainLength(reader); err != nil {
					return File{}, err
				}
			}
		case expireTime:
			// Next 4 bytes represent Unix timestamp as an unsigned integer.
			b, err := readN(reader, 4)
			if err != nil {
				return File{}, err
			}
			expiry = optional.Some(time.Unix(int64(binary.LittleEndian.Uint32(b)), 0))
		case expireTimeMS:
			// Next 8 bytes represent Unix timestamp as an unsigned long.
			b, err := readN(reader, 8)
			if err != nil {
				return File{}, err
			}
			expiry = optional.Some(time.UnixMilli(int64(binary.LittleEndian.Uint64(b))))
		case stringValue:
			key, err := readString(reader)
			if err != nil {
				return File{}, err
			}
			value, err := readString(reader)
			if err != nil {
				return File{}, err
			}
			result.Entries = append(result.Entries, Entry{Key: key, Value: value, ExpiresAt: expiry})
			expiry = optional.None[time.Time]()
		default:
			return File{}, fmt.Errorf("%w: unsupported op code or value type 0x%02x", ErrFormat, op)
		}
	}
}

// readLength reads a length-encoded integer. When the two high bits of the
// first byte are set, the low six bits name a special string encoding and
// special is true.
func readLength(reader *bufio.Reader) (n uint64, special bool, err error) {
	b0, err := reader.ReadByte()
	if err != nil {
		return 0, false, err
	}
	lsb := b0 & 0x3f
	switch b0 >> 6 {
	case 0:
		return uint64(lsb), false, nil
	case 1:
		b1, err := reader.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(lsb)<<8 | uint64(b1), false, nil
	case 2:
		switch b0 {
		case 0x80:
			b, err := readN(reader, 4)
			if err != nil {
				return 0, false, err
			}
			return uint64(binary.BigEndian.Uint32(b)), false, nil
		case 0x81:
			b, err := readN(reader, 8)
			if err != nil {
				return 0, false, err
			}
			return binary.BigEndian.Uint64(b), false, nil
		}
		return 0, false, fmt.Errorf("%w: invalid length byte 0x%02x", ErrFormat, b0)
	default:
		return uint64(lsb), true, nil
	}
}

func readPlainLength(reader *bufio.Reader) (uint64, error) {
	n, special, err := readLength(reader)
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("%w: unexpected string encoding where a length was expected", ErrFormat)
	}
	return n, nil
}

func readString(reader *bufio.Reader) (string, error) {
	n, special, err := readLength(reader)
	if err != nil {
		return "", err
	}
	if !special {
		b, err := readN(reader, int(n))
		return string(b), err
	}
	switch n {
	case encInt8:
		b, err := reader.ReadByte()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(int8(b))), nil
	case encInt16:
		b, err := readN(reader, 2)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(int16(binary.LittleEndian.Uint16(b)))), nil
	case encInt32:
		b, err := readN(reader, 4)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(int32(binary.LittleEndian.Uint32(b)))), nil
	case encLZF:
		compressedSize, err := readPlainLength(reader)
		if err != nil {
			return "", err
		}
		uncompressedSize, err := readPlainLength(reader)
		if err != nil {
			return "", err
		}
		compressed, err := readN(reader, int(compressedSize))
		if err != nil {
			return "", err
		}
		if uncompressedSize > maxStringLen {
			return "", fmt.Errorf("%w: length %d out of range", ErrFormat, uncompressedSize)
		}
		output := make([]byte, uncompressedSize)
		m, err := lzf.Decompress(compressed, output)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if uint64(m) != uncompressedSize {
			return "", fmt.Errorf("%w: decompressed %d bytes, want %d", ErrFormat, m, uncompressedSize)
		}
		return string(output), nil
	}
	return "", fmt.Errorf("%w: unsupported string encoding %d", ErrFormat, n)
}

func readN(reader *bufio.Reader, n int) ([]byte, error) {
	if n < 0 || n > maxStringLen {
		return nil, fmt.Errorf("%w: length %d out of range", ErrFormat, n)
	}
	result := make([]byte, n)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, err
	}
	return result, nil
}
