package atomlog

import (
	"encoding/binary"
	"fmt"

	"github.com/wbrown/janus-revstore/revstore"
)

// Key prefixes. Each namespace gets a one byte tag followed by '|'.
var (
	prefixAtom    = []byte("a|")
	prefixWCN     = []byte("w|")
	prefixRef     = []byte("r|")
	keyTip        = []byte("m|tip")
	keyMaxAtomID  = []byte("m|maxid")
	keySequence   = []byte("m|seq")
	refKeySepByte = byte(0)
)

func u64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// concatBytes efficiently concatenates byte slices
func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func atomKey(id uint64) []byte {
	return concatBytes(prefixAtom, u64(id))
}

// wcnKey sorts newest commit first, and within a commit highest id first.
func wcnKey(wcn revstore.WCN, id uint64) []byte {
	return concatBytes(prefixWCN, u64(^uint64(wcn)), u64(^id))
}

func decodeWCNKey(key []byte) (revstore.WCN, uint64, error) {
	if len(key) != len(prefixWCN)+16 {
		return 0, 0, fmt.Errorf("bad wcn key length %d", len(key))
	}
	body := key[len(prefixWCN):]
	return revstore.WCN(^binary.BigEndian.Uint64(body[:8])), ^binary.BigEndian.Uint64(body[8:]), nil
}

func refPrefix(key revstore.Keyword, ref uint64) []byte {
	return concatBytes(prefixRef, key.Bytes(), []byte{refKeySepByte}, u64(ref))
}

// refKey indexes a referring atom under (keyword, target). Referrers sort
// newest commit first.
func refKey(key revstore.Keyword, ref uint64, wcn revstore.WCN, id uint64) []byte {
	return concatBytes(refPrefix(key, ref), u64(^uint64(wcn)), u64(^id))
}

func decodeRefKeyID(prefixLen int, key []byte) (uint64, error) {
	if len(key) != prefixLen+16 {
		return 0, fmt.Errorf("bad ref key length %d", len(key))
	}
	return ^binary.BigEndian.Uint64(key[prefixLen+8:]), nil
}

// encodeAtom writes: wcn varint | junction count varint | per junction
// (keyword length varint, keyword, value type, value length varint, value).
func encodeAtom(a *revstore.Atom) ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(a.WCN))
	buf = binary.AppendUvarint(buf, uint64(len(a.Junctions)))
	for _, j := range a.Junctions {
		vt, err := revstore.Type(j.Value)
		if err != nil {
			return nil, fmt.Errorf("atom %d junction %s: %w", a.ID, j.Key, err)
		}
		data, err := revstore.ValueBytes(j.Value)
		if err != nil {
			return nil, fmt.Errorf("atom %d junction %s: %w", a.ID, j.Key, err)
		}
		kw := j.Key.Bytes()
		buf = binary.AppendUvarint(buf, uint64(len(kw)))
		buf = append(buf, kw...)
		buf = append(buf, byte(vt))
		buf = binary.AppendUvarint(buf, uint64(len(data)))
		buf = append(buf, data...)
	}
	return buf, nil
}

func decodeAtom(id uint64, data []byte) (*revstore.Atom, error) {
	r := &reader{data: data}
	wcn := r.uvarint()
	n := r.uvarint()
	if r.err != nil {
		return nil, fmt.Errorf("atom %d: %w", id, r.err)
	}
	a := &revstore.Atom{ID: id, WCN: revstore.WCN(wcn), Junctions: make([]revstore.Junction, 0, n)}
	for i := uint64(0); i < n; i++ {
		kw := r.bytes(int(r.uvarint()))
		vt := revstore.ValueType(r.byte())
		raw := r.bytes(int(r.uvarint()))
		if r.err != nil {
			return nil, fmt.Errorf("atom %d: %w", id, r.err)
		}
		v, err := revstore.ValueFromBytes(vt, raw)
		if err != nil {
			return nil, fmt.Errorf("atom %d: %w", id, err)
		}
		a.Junctions = append(a.Junctions, revstore.Junction{Key: revstore.NewKeyword(string(kw)), Value: v})
	}
	return a, nil
}

type reader struct {
	data []byte
	err  error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data)
	if n <= 0 {
		r.err = fmt.Errorf("truncated varint")
		return 0
	}
	r.data = r.data[n:]
	return v
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.data) < 1 {
		r.err = fmt.Errorf("truncated record")
		return 0
	}
	b := r.data[0]
	r.data = r.data[1:]
	return b
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data) < n {
		r.err = fmt.Errorf("truncated record")
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}
