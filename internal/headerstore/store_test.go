package headerstore

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/wireproto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "headers.dat")
	s, err := New(chainparams.Signet, path)
	require.NoError(t, err)
	return s
}

func reopenTestStore(t *testing.T, s *Store) *Store {
	t.Helper()
	reopened, err := New(chainparams.Signet, s.path)
	require.NoError(t, err)
	return reopened
}

func genesisHash(t *testing.T) chainhash.Hash {
	t.Helper()
	h, err := genesisHashLE(chainparams.Signet)
	require.NoError(t, err)
	return h
}

func childHeader(prevHash chainhash.Hash, nonce uint32) *wireproto.Header {
	return &wireproto.Header{
		Version:    1,
		PrevHash:   prevHash,
		MerkleRoot: chainhash.Hash{byte(nonce)},
		Timestamp:  1000 + nonce,
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

func TestAddHeaderAcceptsGenesisChild(t *testing.T) {
	s := openTestStore(t)
	h := childHeader(genesisHash(t), 1)

	ok := s.AddHeader(h, h.Serialize())
	require.True(t, ok)
	require.Equal(t, int64(1), s.TotalHeight())
}

func TestAddHeaderRejectsBrokenLinkage(t *testing.T) {
	s := openTestStore(t)

	var wrongPrev chainhash.Hash
	wrongPrev[0] = 0xff
	h := childHeader(wrongPrev, 1)

	ok := s.AddHeader(h, h.Serialize())
	require.False(t, ok)
	require.Equal(t, int64(0), s.TotalHeight())
}

func TestAddHeaderRejectsDuplicateHash(t *testing.T) {
	s := openTestStore(t)
	h := childHeader(genesisHash(t), 1)

	require.True(t, s.AddHeader(h, h.Serialize()))
	require.False(t, s.AddHeader(h, h.Serialize()))
	require.Equal(t, int64(1), s.TotalHeight())
}

func TestAddHeaderChainsMultipleHeaders(t *testing.T) {
	s := openTestStore(t)

	h1 := childHeader(genesisHash(t), 1)
	require.True(t, s.AddHeader(h1, h1.Serialize()))

	h2 := childHeader(h1.Hash(chainparams.Signet), 2)
	require.True(t, s.AddHeader(h2, h2.Serialize()))

	h3 := childHeader(genesisHash(t), 3) // does not chain from h2
	require.False(t, s.AddHeader(h3, h3.Serialize()))

	require.Equal(t, int64(2), s.TotalHeight())
}

func TestFlushToStorageRespectsBatchSize(t *testing.T) {
	s := openTestStore(t)
	h := childHeader(genesisHash(t), 1)
	require.True(t, s.AddHeader(h, h.Serialize()))

	require.NoError(t, s.FlushToStorage(10))
	require.Equal(t, int64(0), s.PersistedCount(), "below batch size must not flush")

	require.NoError(t, s.ForceFlush())
	require.Equal(t, int64(1), s.PersistedCount())
}

func TestGetHeaderAsyncFallsBackToDisk(t *testing.T) {
	s := openTestStore(t)
	h := childHeader(genesisHash(t), 1)
	require.True(t, s.AddHeader(h, h.Serialize()))
	require.NoError(t, s.ForceFlush())

	fresh := reopenTestStore(t, s)
	got, err := fresh.GetHeaderAsync(1)
	require.NoError(t, err)
	require.Equal(t, h.Nonce, got.Nonce)
}

func TestTruncateDropsHeadersAboveKeepCount(t *testing.T) {
	s := openTestStore(t)

	prev := genesisHash(t)
	var last *wireproto.Header
	for i := uint32(1); i <= 5; i++ {
		h := childHeader(prev, i)
		require.True(t, s.AddHeader(h, h.Serialize()))
		prev = h.Hash(chainparams.Signet)
		last = h
	}
	require.NoError(t, s.ForceFlush())
	require.Equal(t, int64(5), s.TotalHeight())

	require.NoError(t, s.Truncate(3))
	require.Equal(t, int64(3), s.TotalHeight())

	// A header chained onto the old tip (height 5) no longer links.
	reorgHeader := childHeader(last.Hash(chainparams.Signet), 99)
	ok := s.AddHeader(reorgHeader, reorgHeader.Serialize())
	require.False(t, ok, "old chain's tip is gone after truncation to height 3")
}

func TestBuildBlockLocatorEndsAtGenesis(t *testing.T) {
	s := openTestStore(t)

	prev := genesisHash(t)
	for i := uint32(1); i <= 25; i++ {
		h := childHeader(prev, i)
		require.True(t, s.AddHeader(h, h.Serialize()))
		prev = h.Hash(chainparams.Signet)
	}

	locator, err := s.BuildBlockLocator()
	require.NoError(t, err)
	require.NotEmpty(t, locator)
	require.Equal(t, int64(0), locator[len(locator)-1].Height)
	require.Equal(t, genesisHash(t), locator[len(locator)-1].Hash)
	require.Equal(t, int64(25), locator[0].Height)
}

func TestBuildBlockLocatorOnEmptyStoreReturnsGenesisOnly(t *testing.T) {
	s := openTestStore(t)

	locator, err := s.BuildBlockLocator()
	require.NoError(t, err)
	require.Len(t, locator, 1)
	require.Equal(t, int64(0), locator[0].Height)
}

func TestResetClearsState(t *testing.T) {
	s := openTestStore(t)
	h := childHeader(genesisHash(t), 1)
	require.True(t, s.AddHeader(h, h.Serialize()))
	require.NoError(t, s.ForceFlush())

	require.NoError(t, s.Reset())
	require.Equal(t, int64(0), s.TotalHeight())
	require.Equal(t, int64(0), s.PersistedCount())
}
