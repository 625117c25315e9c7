package wireproto

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/shailight/walletcore/internal/chainparams"
)

func testHeader() *Header {
	return &Header{
		Version:    1,
		PrevHash:   chainhash.Hash{1},
		MerkleRoot: chainhash.Hash{2},
		Timestamp:  500,
		Bits:       0x1d00ffff,
		Nonce:      99,
	}
}

func TestHeaderSerializeDeserializeRoundTrip(t *testing.T) {
	h := testHeader()
	raw := h.Serialize()
	require.Len(t, raw, CanonicalHeaderLen)

	got, err := DeserializeHeader(raw, CanonicalHeaderLen)
	require.NoError(t, err)
	require.Equal(t, h.Version, got.Version)
	require.Equal(t, h.PrevHash, got.PrevHash)
	require.Equal(t, h.MerkleRoot, got.MerkleRoot)
	require.Equal(t, h.Timestamp, got.Timestamp)
	require.Equal(t, h.Bits, got.Bits)
	require.Equal(t, h.Nonce, got.Nonce)
}

func TestDeserializeHeaderPreservesTrailingProofBlob(t *testing.T) {
	h := testHeader()
	h.ProofBlob = []byte{0xaa, 0xbb, 0xcc, 0xdd}
	raw := h.Serialize()
	require.Len(t, raw, CanonicalHeaderLen+4)

	got, err := DeserializeHeader(raw, CanonicalHeaderLen+4)
	require.NoError(t, err)
	require.Equal(t, h.ProofBlob, got.ProofBlob)
}

func TestDeserializeHeaderRejectsWrongLength(t *testing.T) {
	_, err := DeserializeHeader(make([]byte, 50), 80)
	require.Error(t, err)
}

func TestDeserializeHeaderRejectsBelowCanonicalMinimum(t *testing.T) {
	_, err := DeserializeHeader(make([]byte, 40), 40)
	require.Error(t, err)
}

func TestHashRuleSelectionByTimestamp(t *testing.T) {
	params := chainparams.Params{T1: 100, T2: 200}

	early := testHeader()
	early.Timestamp = 50
	require.Equal(t, chainparams.RuleProofBlobOnly, params.RuleFor(early.Timestamp))

	mid := testHeader()
	mid.Timestamp = 150
	require.Equal(t, chainparams.RuleDoubleSHA, params.RuleFor(mid.Timestamp))

	late := testHeader()
	late.Timestamp = 250
	require.Equal(t, chainparams.RuleSingleSHA, params.RuleFor(late.Timestamp))
}

func TestHashUsesProofBlobOnlyBeforeT1(t *testing.T) {
	params := chainparams.Params{T1: 100, T2: 200}
	h := testHeader()
	h.Timestamp = 50
	h.ProofBlob = []byte{1, 2, 3}

	want := chainhash.HashB(h.ProofBlob)
	got := h.Hash(params)
	require.Equal(t, want, got[:])
}

func TestHashIsDeterministic(t *testing.T) {
	params := chainparams.Signet
	h := testHeader()

	a := h.Hash(params)
	b := h.Hash(params)
	require.Equal(t, a, b)
}

func TestHashDiffersOnNonceChange(t *testing.T) {
	params := chainparams.Signet
	h1 := testHeader()
	h2 := testHeader()
	h2.Nonce = h1.Nonce + 1

	require.NotEqual(t, h1.Hash(params), h2.Hash(params))
}
