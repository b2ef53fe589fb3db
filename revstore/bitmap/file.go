package bitmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/wbrown/janus-revstore/revstore"
)

// Index file layout:
//
//	signature   4 bytes, big endian
//	version     uvarint
//	headerLen   4 bytes, big endian; bytes from the file start to the bitmap
//	watermark   uvarint
//	bitmap      roaring64 portable serialization
//	crc         4 bytes, CRC-32 (IEEE) of everything before it
const (
	indexSignature uint32 = 0x1B17DA7A
	indexVersion   uint64 = 1
)

// IndexInfo is the persisted state of a leaf index
type IndexInfo struct {
	Bits      *roaring64.Bitmap
	Watermark revstore.WCN
}

// encodeFramed writes sig | version | headerLen | header | body | crc
func encodeFramed(w io.Writer, sig uint32, version uint64, header, body []byte) error {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	binary.Write(&buf, binary.BigEndian, sig)
	buf.Write(tmp[:binary.PutUvarint(tmp[:], version)])
	headerLen := uint32(buf.Len() + 4 + len(header))
	binary.Write(&buf, binary.BigEndian, headerLen)
	buf.Write(header)
	buf.Write(body)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	_, err := w.Write(buf.Bytes())
	return err
}

// decodeFramed validates the frame and returns the header and body bytes
func decodeFramed(data []byte, sig uint32, maxVersion uint64) (header, body []byte, err error) {
	corrupt := func(format string, args ...interface{}) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), revstore.ErrCorruptIndex)
	}
	if len(data) < 4+1+4+4 {
		return nil, nil, corrupt("truncated file (%d bytes)", len(data))
	}
	payload, sum := data[:len(data)-4], binary.BigEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(payload); got != sum {
		return nil, nil, corrupt("checksum mismatch: stored %08x, computed %08x", sum, got)
	}
	if s := binary.BigEndian.Uint32(payload); s != sig {
		return nil, nil, corrupt("bad signature %08x", s)
	}
	version, n := binary.Uvarint(payload[4:])
	if n <= 0 {
		return nil, nil, corrupt("bad version")
	}
	if version == 0 || version > maxVersion {
		return nil, nil, corrupt("unsupported version %d", version)
	}
	pos := 4 + n
	if len(payload) < pos+4 {
		return nil, nil, corrupt("truncated header")
	}
	headerLen := int(binary.BigEndian.Uint32(payload[pos:]))
	pos += 4
	if headerLen < pos || headerLen > len(payload) {
		return nil, nil, corrupt("bad header length %d", headerLen)
	}
	return payload[pos:headerLen], payload[headerLen:], nil
}

// EncodeIndex writes info in the index file format
func EncodeIndex(w io.Writer, info IndexInfo) error {
	var tmp [binary.MaxVarintLen64]byte
	header := tmp[:binary.PutUvarint(tmp[:], uint64(info.Watermark))]
	var body bytes.Buffer
	bits := info.Bits
	if bits == nil {
		bits = roaring64.New()
	}
	if _, err := bits.WriteTo(&body); err != nil {
		return fmt.Errorf("failed to serialize bitmap: %w", err)
	}
	return encodeFramed(w, indexSignature, indexVersion, header, body.Bytes())
}

// DecodeIndex parses an index file. Any damage is reported as
// revstore.ErrCorruptIndex.
func DecodeIndex(data []byte) (*IndexInfo, error) {
	header, body, err := decodeFramed(data, indexSignature, indexVersion)
	if err != nil {
		return nil, err
	}
	wm, n := binary.Uvarint(header)
	if n <= 0 {
		return nil, fmt.Errorf("bad watermark: %w", revstore.ErrCorruptIndex)
	}
	bits := roaring64.New()
	r := bytes.NewReader(body)
	if _, err := bits.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("bad bitmap: %v: %w", err, revstore.ErrCorruptIndex)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after bitmap: %w", r.Len(), revstore.ErrCorruptIndex)
	}
	return &IndexInfo{Bits: bits, Watermark: revstore.WCN(wm)}, nil
}
