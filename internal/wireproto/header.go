package wireproto

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/shailight/walletcore/internal/chainparams"
)

// CanonicalHeaderLen is the size of the Bitcoin-compatible header fields
// that precede any chain-specific proof extension.
const CanonicalHeaderLen = 80

// Header is the fixed-size block header record: the canonical 80 Bitcoin
// fields plus an opaque trailing proof blob whose length is fixed by chain
// parameters.
type Header struct {
	Version    int32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
	ProofBlob  []byte
}

// Serialize writes the header in wire order: version, prev-hash,
// merkle-root, timestamp, bits, nonce (all little-endian), then the proof
// blob verbatim.
func (h *Header) Serialize() []byte {
	buf := make([]byte, CanonicalHeaderLen+len(h.ProofBlob))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevHash[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	copy(buf[80:], h.ProofBlob)
	return buf
}

// DeserializeHeader parses a fixed-width header record of exactly
// headerLength bytes.
func DeserializeHeader(raw []byte, headerLength int) (*Header, error) {
	if len(raw) != headerLength {
		return nil, fmt.Errorf("wireproto: header record is %d bytes, want %d", len(raw), headerLength)
	}
	if headerLength < CanonicalHeaderLen {
		return nil, fmt.Errorf("wireproto: header length %d below canonical minimum %d", headerLength, CanonicalHeaderLen)
	}

	h := &Header{
		Version:   int32(binary.LittleEndian.Uint32(raw[0:4])),
		Timestamp: binary.LittleEndian.Uint32(raw[68:72]),
		Bits:      binary.LittleEndian.Uint32(raw[72:76]),
		Nonce:     binary.LittleEndian.Uint32(raw[76:80]),
	}
	copy(h.PrevHash[:], raw[4:36])
	copy(h.MerkleRoot[:], raw[36:68])
	if headerLength > CanonicalHeaderLen {
		h.ProofBlob = append([]byte(nil), raw[CanonicalHeaderLen:]...)
	}
	return h, nil
}

// Hash computes the header's identity hash under the legacy timestamp-based
// cutover rules. T1/T2 come from the chain parameters.
func (h *Header) Hash(p chainparams.Params) chainhash.Hash {
	switch p.RuleFor(h.Timestamp) {
	case chainparams.RuleProofBlobOnly:
		sum := chainhash.HashB(h.ProofBlob)
		var out chainhash.Hash
		copy(out[:], sum)
		return out
	case chainparams.RuleSingleSHA:
		sum := chainhash.HashB(h.Serialize())
		var out chainhash.Hash
		copy(out[:], sum)
		return out
	default: // RuleDoubleSHA
		return chainhash.DoubleHashH(h.Serialize())
	}
}
