package filtersync

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil/gcs"
	"github.com/stretchr/testify/require"

	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/headerstore"
	"github.com/shailight/walletcore/internal/p2p"
	"github.com/shailight/walletcore/internal/wireproto"
)

func genesisHash(t *testing.T) chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(chainparams.Signet.GenesisHashHex)
	require.NoError(t, err)
	return *h
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

// storeWithHeaders builds a header store with n headers chained onto
// genesis, returning the store and heightHashes, where heightHashes[i]
// is the hash of the header at store height i+1.
func storeWithHeaders(t *testing.T, n int) (*headerstore.Store, []chainhash.Hash) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "headers.dat")
	s, err := headerstore.New(chainparams.Signet, path)
	require.NoError(t, err)

	var heightHashes []chainhash.Hash
	prev := genesisHash(t)
	for i := 0; i < n; i++ {
		h := childHeader(prev, uint32(i+1))
		require.True(t, s.AddHeader(h, h.Serialize()))
		prev = h.Hash(chainparams.Signet)
		heightHashes = append(heightHashes, prev)
	}
	return s, heightHashes
}

type fakePeerSelector struct {
	peer *p2p.Peer
	err  error
}

func (f *fakePeerSelector) Select(purpose p2p.Purpose) (*p2p.Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.peer, nil
}

func TestRequestCheckpointsNoOpBelowHeightOne(t *testing.T) {
	s, _ := storeWithHeaders(t, 0)
	sync := New(chainparams.Signet, s, &fakePeerSelector{err: require.AnError})

	require.NoError(t, sync.RequestCheckpoints())
}

func TestOnCFCheckptRecordsHeightsRelativeToStopHeight(t *testing.T) {
	s, hashes := storeWithHeaders(t, 6)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	msg := &wire.MsgCFCheckpt{StopHash: hashes[5]}
	fh := hashes[3]
	msg.FilterHeaders = []*chainhash.Hash{&fh}

	sync.OnCFCheckpt(msg)

	got, ok := sync.checkpoints[6]
	require.True(t, ok)
	require.Equal(t, fh, got)
}

func TestOnCFCheckptUnknownStopHashIsIgnored(t *testing.T) {
	s, _ := storeWithHeaders(t, 2)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	var bogus chainhash.Hash
	bogus[0] = 0xff
	h := bogus
	msg := &wire.MsgCFCheckpt{StopHash: bogus, FilterHeaders: []*chainhash.Hash{&h}}

	sync.OnCFCheckpt(msg) // must not panic; nothing recorded
	require.Empty(t, sync.checkpoints)
}

func TestOnCFHeadersBuildsChainFromGenesis(t *testing.T) {
	s, hashes := storeWithHeaders(t, 4)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	fh1 := chainhash.Hash{0x11}
	fh2 := chainhash.Hash{0x22}
	fh3 := chainhash.Hash{0x33}
	msg := &wire.MsgCFHeaders{
		StopHash:     hashes[3],
		FilterHashes: []*chainhash.Hash{&fh1, &fh2, &fh3},
	}

	require.NoError(t, sync.OnCFHeaders(msg))
	require.Equal(t, int64(4), sync.FilterHeaderTip())

	h1, ok := sync.filterHeaders[2]
	require.True(t, ok)
	require.Equal(t, fh1, h1.FilterHash)

	h3, ok := sync.filterHeaders[4]
	require.True(t, ok)
	require.Equal(t, fh3, h3.FilterHash)
	require.NotEqual(t, h1.Hash, h3.Hash)
}

func TestOnCFHeadersChainsOffPreviouslyKnownTip(t *testing.T) {
	s, hashes := storeWithHeaders(t, 3)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	fh1 := chainhash.Hash{0x01}
	require.NoError(t, sync.OnCFHeaders(&wire.MsgCFHeaders{
		StopHash:     hashes[1],
		FilterHashes: []*chainhash.Hash{&fh1},
	}))
	firstTipHash := sync.filterHeaders[2].Hash

	fh2 := chainhash.Hash{0x02}
	require.NoError(t, sync.OnCFHeaders(&wire.MsgCFHeaders{
		StopHash:     hashes[2],
		FilterHashes: []*chainhash.Hash{&fh2},
	}))

	want := chainhash.DoubleHashH(append(append([]byte{}, fh2[:]...), firstTipHash[:]...))
	require.Equal(t, want, sync.filterHeaders[3].Hash)
}

func TestOnCFHeadersRejectsUnknownStopHash(t *testing.T) {
	s, _ := storeWithHeaders(t, 2)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	var bogus chainhash.Hash
	bogus[0] = 0xff
	fh := chainhash.Hash{0x01}
	err := sync.OnCFHeaders(&wire.MsgCFHeaders{StopHash: bogus, FilterHashes: []*chainhash.Hash{&fh}})
	require.Error(t, err)
}

func TestOnCFHeadersRejectsUnderflowingBatch(t *testing.T) {
	s, hashes := storeWithHeaders(t, 3)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	fh1, fh2, fh3, fh4 := chainhash.Hash{1}, chainhash.Hash{2}, chainhash.Hash{3}, chainhash.Hash{4}
	err := sync.OnCFHeaders(&wire.MsgCFHeaders{
		StopHash:     hashes[2],
		FilterHashes: []*chainhash.Hash{&fh1, &fh2, &fh3, &fh4},
	})
	require.Error(t, err)
}

func TestTruncateAboveDropsStateAboveHeight(t *testing.T) {
	s, hashes := storeWithHeaders(t, 6)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	fh1, fh2, fh3 := chainhash.Hash{1}, chainhash.Hash{2}, chainhash.Hash{3}
	require.NoError(t, sync.OnCFHeaders(&wire.MsgCFHeaders{
		StopHash:     hashes[3],
		FilterHashes: []*chainhash.Hash{&fh1, &fh2, &fh3},
	}))
	require.Equal(t, int64(4), sync.FilterHeaderTip())

	sync.pending[6] = hashes[5]
	sync.pendingByHash[hashes[5]] = 6

	sync.TruncateAbove(2)

	require.Equal(t, int64(2), sync.FilterHeaderTip())
	_, ok := sync.filterHeaders[3]
	require.False(t, ok)
	_, ok = sync.filterHeaders[2]
	require.True(t, ok)
	require.Empty(t, sync.pending)
}

func TestFilterCachedReflectsFilterMap(t *testing.T) {
	s, _ := storeWithHeaders(t, 1)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	require.False(t, sync.FilterCached(1))
	sync.filters[1] = nil
	require.True(t, sync.FilterCached(1))
}

func TestSortedHeightsOrdersAscending(t *testing.T) {
	m := map[int64]*gcs.Filter{5: nil, 1: nil, 3: nil}
	require.Equal(t, []int64{1, 3, 5}, sortedHeights(m))
}

func TestOnCFilterRejectsMalformedBytes(t *testing.T) {
	s, _ := storeWithHeaders(t, 1)
	sync := New(chainparams.Signet, s, &fakePeerSelector{})

	err := sync.OnCFilter(&wire.MsgCFilter{BlockHash: chainhash.Hash{}, Data: nil})
	require.Error(t, err)
}
