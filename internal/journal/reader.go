package journal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

// Reader decodes journal records sequentially.
type Reader struct {
	r         *bufio.Reader
	headerBuf []byte
	payload   []byte
}

// NewReader wraps an io.Reader with journal decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next event and its sequence number, or io.EOF at the
// end of the journal.
func (r *Reader) Next() (schema.Event, uint64, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}

	header, payloadLen, err := decodeHeader(r.headerBuf)
	if err != nil {
		return nil, 0, err
	}
	if cap(r.payload) < int(payloadLen) {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	if payloadLen > 0 {
		if _, err := io.ReadFull(r.r, r.payload); err != nil {
			return nil, 0, err
		}
	}

	var checksumBuf [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, checksumBuf[:]); err != nil {
		return nil, 0, err
	}
	if binary.LittleEndian.Uint32(checksumBuf[:]) != checksum(r.headerBuf, r.payload) {
		return nil, 0, ErrChecksumMismatch
	}

	ev, err := DecodeEvent(header.Kind, r.payload)
	if err != nil {
		return nil, 0, err
	}
	return ev, header.Seq, nil
}

// Replay streams every event in the journal at path through the handler,
// in order. The handler returning an error stops the replay.
func Replay(path string, handler func(ev schema.Event, seq uint64) error) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	defer file.Close()

	r := NewReader(file)
	for {
		ev, seq, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := handler(ev, seq); err != nil {
			return err
		}
	}
}

// MarketData extracts just the market data events from a journal, in
// order, so a recorded session can be fed back through a backtest.
func MarketData(path string) ([]schema.MarketDataEvent, error) {
	var out []schema.MarketDataEvent
	err := Replay(path, func(ev schema.Event, _ uint64) error {
		if md, ok := ev.(schema.MarketDataEvent); ok {
			out = append(out, md)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
