package resp

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"
)

const (
	defaultReadSize = 16 << 10
	// DefaultMaxReply caps how many undecoded bytes a Reader buffers before it
	// gives up on the stream.
	DefaultMaxReply = 512 << 20
)

var (
	ErrProtocol      = errors.New("resp: protocol error")
	ErrReplyTooLarge = errors.New("resp: reply too large")
)

// AppendCommand encodes a request as an array of bulk strings. A name made of
// several words ("CLIENT KILL") is sent as separate leading tokens.
func AppendCommand(dst []byte, name string, args []string) []byte {
	words := strings.Fields(name)
	dst = redcon.AppendArray(dst, len(words)+len(args))
	for _, w := range words {
		dst = redcon.AppendBulkString(dst, w)
	}
	for _, a := range args {
		dst = redcon.AppendBulkString(dst, a)
	}
	return dst
}

// Reader decodes a stream of replies. It is not safe for concurrent use; a
// connection owns exactly one Reader per transport.
type Reader struct {
	rd    io.Reader
	buf   []byte
	start int
	end   int
	max   int
}

func NewReader(rd io.Reader) *Reader {
	return &Reader{rd: rd, buf: make([]byte, defaultReadSize), max: DefaultMaxReply}
}

// SetMaxReply overrides DefaultMaxReply; n <= 0 keeps the default.
func (r *Reader) SetMaxReply(n int) {
	if n > 0 {
		r.max = n
	}
}

// ReadValue blocks until one complete reply has been buffered and returns it.
// Error replies come back as a Value of Kind Error, not as err; err is only
// set for transport or framing failures.
func (r *Reader) ReadValue() (Value, error) {
	for {
		if r.end > r.start {
			if !validType(r.buf[r.start]) {
				return Value{}, ErrProtocol
			}
			n, raw := redcon.ReadNextRESP(r.buf[r.start:r.end])
			if n > 0 {
				v, err := convert(raw)
				r.start += n
				if r.start == r.end {
					r.start, r.end = 0, 0
				}
				return v, err
			}
			// ReadNextRESP answers 0 for both short and invalid input
			if m, err := frameLen(r.buf[r.start:r.end]); err != nil || m > 0 {
				return Value{}, ErrProtocol
			}
		}
		if err := r.fill(); err != nil {
			return Value{}, err
		}
	}
}

// fill compacts the buffer, grows it when full and reads more bytes.
func (r *Reader) fill() error {
	if r.start > 0 {
		copy(r.buf, r.buf[r.start:r.end])
		r.end -= r.start
		r.start = 0
	}
	if r.end == len(r.buf) {
		if len(r.buf) >= r.max {
			return ErrReplyTooLarge
		}
		nb := make([]byte, len(r.buf)*2)
		copy(nb, r.buf[:r.end])
		r.buf = nb
	}
	n, err := r.rd.Read(r.buf[r.end:])
	r.end += n
	if n > 0 {
		return nil
	}
	return err
}

// frameLen returns the size of the frame at the start of b, 0 when more
// bytes are needed, or ErrProtocol once what is buffered can never parse.
func frameLen(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if !validType(b[0]) {
		return 0, ErrProtocol
	}
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return 0, nil
	}
	if i < 2 || b[i-1] != '\r' {
		return 0, ErrProtocol
	}
	line, hdr := string(b[1:i-1]), i+1

	switch redcon.Type(b[0]) {
	case redcon.String, redcon.Error:
		return hdr, nil
	case redcon.Integer:
		if _, err := strconv.ParseInt(line, 10, 64); err != nil {
			return 0, ErrProtocol
		}
		return hdr, nil
	}

	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, ErrProtocol
	}
	if redcon.Type(b[0]) == redcon.Bulk {
		if n < 0 {
			return hdr, nil
		}
		if len(b) < hdr+n+2 {
			return 0, nil
		}
		if b[hdr+n] != '\r' || b[hdr+n+1] != '\n' {
			return 0, ErrProtocol
		}
		return hdr + n + 2, nil
	}

	total := hdr
	for j := 0; j < n; j++ {
		m, err := frameLen(b[total:])
		if err != nil || m == 0 {
			return 0, err
		}
		total += m
	}
	return total, nil
}

func validType(b byte) bool {
	switch redcon.Type(b) {
	case redcon.Integer, redcon.String, redcon.Bulk, redcon.Array, redcon.Error:
		return true
	}
	return false
}

func convert(raw redcon.RESP) (Value, error) {
	switch raw.Type {
	case redcon.Integer:
		n, err := strconv.ParseInt(string(raw.Data), 10, 64)
		if err != nil {
			return Value{}, ErrProtocol
		}
		return IntValue(n), nil
	case redcon.String:
		return StatusValue(string(raw.Data)), nil
	case redcon.Error:
		return Value{Kind: Error, Str: string(raw.Data)}, nil
	case redcon.Bulk:
		if raw.Data == nil {
			return NilValue(), nil
		}
		return BulkValue(string(raw.Data)), nil
	case redcon.Array:
		if raw.Count < 0 {
			return NilValue(), nil
		}
		elems := make([]Value, 0, raw.Count)
		data := raw.Data
		for i := 0; i < raw.Count; i++ {
			n, sub := redcon.ReadNextRESP(data)
			if n == 0 {
				return Value{}, ErrProtocol
			}
			v, err := convert(sub)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, v)
			data = data[n:]
		}
		return ArrayValue(elems...), nil
	}
	return Value{}, ErrProtocol
}
