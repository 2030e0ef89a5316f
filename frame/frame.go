// Package frame implements the DNS-over-TLS message framing of RFC 7858:
// every message on the stream is preceded by its length as a two byte
// big-endian integer.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderLen is the size of the length prefix.
	HeaderLen = 2

	// MaxMessageLen is the largest message a frame can carry.
	MaxMessageLen = math.MaxUint16
)

var (
	ErrMessageTooLarge  = errors.New("message too large")
	ErrMalformedMessage = errors.New("malformed message")
)

// Encode prefixes msg with its big-endian length.
func Encode(msg []byte) ([]byte, error) {
	if len(msg) > MaxMessageLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}

	f := make([]byte, HeaderLen+len(msg))
	binary.BigEndian.PutUint16(f, uint16(len(msg)))
	copy(f[HeaderLen:], msg)
	return f, nil
}

// Feed appends data to buf and extracts every complete frame. It returns the
// payloads in stream order and the bytes of a trailing partial frame. The
// returned payloads never alias rest, so rest may be reused by the caller.
func Feed(buf, data []byte) (msgs [][]byte, rest []byte) {
	buf = append(buf, data...)

	off := 0
	for len(buf)-off >= HeaderLen {
		n := int(binary.BigEndian.Uint16(buf[off:]))
		if len(buf)-off-HeaderLen < n {
			break
		}

		msg := make([]byte, n)
		copy(msg, buf[off+HeaderLen:])
		msgs = append(msgs, msg)
		off += HeaderLen + n
	}

	// compact so the accumulator never grows past one frame plus one read
	rest = buf[:copy(buf, buf[off:])]
	return msgs, rest
}

// Decoder keeps the partial frame between successive reads of a stream.
// It is not safe for concurrent use; a stream has a single reader.
type Decoder struct {
	buf []byte
}

// Feed returns the messages completed by data.
func (d *Decoder) Feed(data []byte) [][]byte {
	var msgs [][]byte
	msgs, d.buf = Feed(d.buf, data)
	return msgs
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// ID returns the transaction ID of a DNS message.
func ID(msg []byte) (uint16, error) {
	if len(msg) < 2 {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformedMessage, len(msg))
	}
	return binary.BigEndian.Uint16(msg), nil
}

// SetID overwrites the transaction ID of msg in place.
func SetID(msg []byte, id uint16) error {
	if len(msg) < 2 {
		return fmt.Errorf("%w: %d bytes", ErrMalformedMessage, len(msg))
	}
	binary.BigEndian.PutUint16(msg, id)
	return nil
}
