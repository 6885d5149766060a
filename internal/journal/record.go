// Package journal is the append-only event log for engine runs. Every
// event the engine processes is written in order as a framed, checksummed
// record, so a backtest can be verified byte-for-byte against a rerun and
// a live session can be replayed after the fact.
package journal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/yanun0323/errors"
)

const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 32
	recordChecksumSize        = 4

	// MaxPayloadSize bounds one record's payload. A corrupt length field
	// must never provoke a multi-gigabyte allocation on read.
	MaxPayloadSize = 16 << 20
)

var (
	recordMagic = [4]byte{'P', 'D', 'J', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic         = errors.New("journal invalid magic")
	ErrUnsupportedRecordVer = errors.New("journal unsupported record version")
	ErrInvalidRecordHeader  = errors.New("journal invalid record header")
	ErrChecksumMismatch     = errors.New("journal checksum mismatch")
	ErrPayloadTooLarge      = errors.New("journal payload too large")
)

// recordHeader describes one journaled event.
type recordHeader struct {
	Kind    uint16
	Seq     uint64
	TsEvent int64
}

func encodeHeader(dst []byte, h recordHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], h.Kind)
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[16:24], h.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(h.TsEvent))
}

func decodeHeader(src []byte) (recordHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return recordHeader{}, 0, ErrInvalidRecordHeader
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return recordHeader{}, 0, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return recordHeader{}, 0, ErrUnsupportedRecordVer
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return recordHeader{}, 0, ErrInvalidRecordHeader
	}
	payloadLen := binary.LittleEndian.Uint32(src[12:16])
	if payloadLen > MaxPayloadSize {
		return recordHeader{}, 0, ErrPayloadTooLarge
	}
	h := recordHeader{
		Kind:    binary.LittleEndian.Uint16(src[8:10]),
		Seq:     binary.LittleEndian.Uint64(src[16:24]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[24:32])),
	}
	return h, payloadLen, nil
}

func checksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}
