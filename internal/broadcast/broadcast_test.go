package broadcast

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/p2p"
	"github.com/shailight/walletcore/internal/txbuilder"
)

var errNoPeer = errors.New("broadcast_test: no peer available")

func testParams() chainparams.Params {
	return chainparams.Signet
}

func testTx() *txbuilder.Tx {
	var prevTxid chainhash.Hash
	prevTxid[0] = 3
	return &txbuilder.Tx{
		Version: 2,
		Inputs: []txbuilder.Input{{
			PrevTxid: prevTxid, PrevVout: 0,
			Sequence: txbuilder.SequenceFinal, Value: 10000, PubKeyHash: make([]byte, 20),
		}},
		Outputs: []txbuilder.Output{{Value: 9000, Script: make([]byte, 22)}},
	}
}

func TestCheckFeeSanityRejectsNegativeFee(t *testing.T) {
	_, err := CheckFeeSanity(1000, 2000)
	require.Error(t, err)
}

func TestCheckFeeSanityComputesFee(t *testing.T) {
	fee, err := CheckFeeSanity(10000, 9500)
	require.NoError(t, err)
	require.Equal(t, uint64(500), fee)
}

func TestCheckFeeSanityWarnsAboveThresholdWithoutErroring(t *testing.T) {
	fee, err := CheckFeeSanity(FeeSanityWarnThreshold+2000, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(FeeSanityWarnThreshold+1000), fee)
}

func TestRejectCodeString(t *testing.T) {
	require.Equal(t, "DUPLICATE", RejectDuplicate.String())
	require.Equal(t, "INSUFFICIENT_FEE", RejectInsufficientFee.String())
	require.Contains(t, RejectCode(0x99).String(), "UNKNOWN")
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCacheExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cache := NewCache(clock.Now)

	var txid chainhash.Hash
	txid[0] = 1
	cache.Put(txid, []byte("raw"))

	raw, ok := cache.Get(txid)
	require.True(t, ok)
	require.Equal(t, []byte("raw"), raw)

	clock.advance(4 * time.Minute)
	_, ok = cache.Get(txid)
	require.True(t, ok, "entry should still be live before the 5-minute TTL")

	clock.advance(2 * time.Minute)
	_, ok = cache.Get(txid)
	require.False(t, ok, "entry should have expired past the 5-minute TTL")
}

func TestCacheGetMissingReturnsFalse(t *testing.T) {
	cache := NewCache(nil)
	var txid chainhash.Hash
	_, ok := cache.Get(txid)
	require.False(t, ok)
}

type fakePeerSender struct {
	active    []*p2p.Peer
	selectErr error
}

func (f fakePeerSender) ActivePeers() []*p2p.Peer { return f.active }
func (f fakePeerSender) Select(purpose p2p.Purpose) (*p2p.Peer, error) {
	return nil, f.selectErr
}

func TestBroadcastPropagatesSelectError(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cache := NewCache(clock.Now)
	b := New(testParams(), fakePeerSender{selectErr: errNoPeer}, cache)
	b.now = clock.Now
	b.sleep = func(d time.Duration) { clock.advance(d) }

	tx := testTx()
	_, err := b.Broadcast(tx)
	require.Error(t, err)

	// the tx must still be cached even though the mempool-verify leg failed,
	// since a later getdata for it should still be answerable.
	_, ok := cache.Get(tx.Txid())
	require.True(t, ok)
}

func TestWaitForEchoReturnsTrueOnObservedInv(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := New(testParams(), fakePeerSender{}, NewCache(clock.Now))
	b.now = clock.Now
	b.sleep = func(d time.Duration) { clock.advance(d) }

	var txid chainhash.Hash
	txid[0] = 7

	invMsg := wire.NewMsgInv()
	_ = invMsg.AddInvVect(&wire.InvVect{Type: wire.InvTypeTx, Hash: txid})
	b.ObserveInv(invMsg)

	require.True(t, b.waitForEcho(txid, 5*time.Second))
}

func TestWaitForEchoTimesOutWithoutEcho(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := New(testParams(), fakePeerSender{}, NewCache(clock.Now))
	b.now = clock.Now
	b.sleep = func(d time.Duration) { clock.advance(d) }

	var txid chainhash.Hash
	txid[0] = 8

	require.False(t, b.waitForEcho(txid, 5*time.Second))
}

func TestObserveInvIgnoresNonTxEntries(t *testing.T) {
	b := New(testParams(), fakePeerSender{}, NewCache(nil))

	var blockHash chainhash.Hash
	blockHash[0] = 1
	invMsg := wire.NewMsgInv()
	_ = invMsg.AddInvVect(&wire.InvVect{Type: wire.InvTypeBlock, Hash: blockHash})
	b.ObserveInv(invMsg)

	require.False(t, b.echoed(blockHash))
}
