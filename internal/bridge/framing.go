// Package bridge speaks the broker bridge wire protocol: each message is
// a 4-byte big-endian length prefix followed by a UTF-8 JSON body.
package bridge

import (
	"encoding/binary"
	"io"

	"github.com/yanun0323/errors"
)

// MaxFrameSize bounds a single message body. A peer announcing anything
// larger is treated as corrupt rather than trusted with the allocation.
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame exceeds max size")

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "write frame prefix")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "write frame body")
	}
	return nil
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "read frame body")
	}
	return body, nil
}
