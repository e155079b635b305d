// Package frame implements the relay wire unit: a single unsigned length byte
// followed by exactly that many payload bytes. There is no magic, version or
// checksum.
package frame

import (
	"errors"
	"fmt"
	"io"
)

// MaxPayload is the largest payload a single length byte can describe.
const MaxPayload = 255

// ErrPayloadTooLarge is returned when encoding a payload longer than MaxPayload.
var ErrPayloadTooLarge = errors.New("frame: payload exceeds 255 bytes")

// Encode returns the wire form of payload.
//
// Postcondition: On success the result has length len(payload)+1 and its first
// byte equals len(payload).
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("encoding %d byte payload: %w", len(payload), ErrPayloadTooLarge)
	}
	out := make([]byte, 1+len(payload))
	out[0] = byte(len(payload))
	copy(out[1:], payload)
	return out, nil
}

// Decode parses one frame from the front of data and returns its payload and
// the unconsumed remainder. A frame cut short yields io.ErrUnexpectedEOF.
func Decode(data []byte) (payload, rest []byte, err error) {
	if len(data) == 0 {
		return nil, data, io.ErrUnexpectedEOF
	}
	n := int(data[0])
	if len(data)-1 < n {
		return nil, data, io.ErrUnexpectedEOF
	}
	return data[1 : 1+n], data[1+n:], nil
}

// Read blocks until one whole frame has been read from r. Short reads are
// retried until the declared length is satisfied.
//
// A clean close before the length byte returns io.EOF unwrapped. A close
// inside the payload returns an error wrapping io.ErrUnexpectedEOF and no
// partial payload.
func Read(r io.Reader) ([]byte, error) {
	var header [1]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, int(header[0]))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading %d byte frame body: %w", len(payload), err)
	}
	return payload, nil
}

// Write sends payload as one frame using a single Write call, so frames from
// one writer never interleave on the wire.
func Write(w io.Writer, payload []byte) error {
	buf, err := Encode(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
