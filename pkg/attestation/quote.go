package attestation

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Quote is the signed statement a device produces over its measurement
// registers. It is CBOR encoded with integer keys.
type Quote struct {
	Nonce          []byte `cbor:"1,keyasint"`
	QuotedAt       int64  `cbor:"2,keyasint"` // unix milliseconds
	PCRDigest      []byte `cbor:"3,keyasint"`
	FirmwareDigest []byte `cbor:"4,keyasint,omitempty"`
}

// Time returns QuotedAt as a time.
func (q *Quote) Time() time.Time {
	return time.UnixMilli(q.QuotedAt).UTC()
}

var (
	quoteEncMode cbor.EncMode
	quoteDecMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same quote always yields the same bytes.
	quoteEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	quoteDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeQuote serializes a quote.
func EncodeQuote(q *Quote) ([]byte, error) {
	data, err := quoteEncMode.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode quote: %w", err)
	}
	return data, nil
}

// DecodeQuote parses a serialized quote.
func DecodeQuote(data []byte) (*Quote, error) {
	var q Quote
	if err := quoteDecMode.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	if len(q.PCRDigest) != sha256.Size {
		return nil, fmt.Errorf("quote pcr digest has %d bytes, want %d", len(q.PCRDigest), sha256.Size)
	}
	if len(q.Nonce) == 0 {
		return nil, fmt.Errorf("quote has no nonce")
	}
	return &q, nil
}

// PCRDigest hashes register values in ascending index order. Each register
// contributes its index and its length-prefixed value, so values cannot be
// relabelled, split or merged without changing the digest.
func PCRDigest(pcrs map[int][]byte) []byte {
	idx := make([]int, 0, len(pcrs))
	for i := range pcrs {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	h := sha256.New()
	var buf [4]byte
	for _, i := range idx {
		binary.BigEndian.PutUint32(buf[:], uint32(i))
		h.Write(buf[:])
		writeField(h, pcrs[i])
	}
	return h.Sum(nil)
}

// FirmwareDigest hashes firmware facts sorted by path, each as a
// length-prefixed path followed by a length-prefixed value. It returns nil
// when there are no firmware facts.
func FirmwareDigest(firmware map[string]string) []byte {
	if len(firmware) == 0 {
		return nil
	}
	paths := make([]string, 0, len(firmware))
	for p := range firmware {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		writeField(h, []byte(p))
		writeField(h, []byte(firmware[p]))
	}
	return h.Sum(nil)
}

func writeField(w io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}
