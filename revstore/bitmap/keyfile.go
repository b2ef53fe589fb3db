package bitmap

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/wbrown/janus-revstore/revstore"
)

// The key file maps IndexKey.String() to the suffix of the file holding
// that index, so arbitrary filter keys never end up in file names. It uses
// the index file framing with a CBOR map as the body.
const (
	keyFileSignature uint32 = 0x11DE11DE
	keyFileVersion   uint64 = 1
)

// EncodeKeys writes the key map in the key file format
func EncodeKeys(w io.Writer, keys map[string]string) error {
	if keys == nil {
		keys = map[string]string{}
	}
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return err
	}
	body, err := em.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode index keys: %w", err)
	}
	return encodeFramed(w, keyFileSignature, keyFileVersion, nil, body)
}

// DecodeKeys parses a key file. Any damage is reported as
// revstore.ErrCorruptIndex.
func DecodeKeys(data []byte) (map[string]string, error) {
	_, body, err := decodeFramed(data, keyFileSignature, keyFileVersion)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string)
	if err := cbor.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("bad key map: %v: %w", err, revstore.ErrCorruptIndex)
	}
	return keys, nil
}
