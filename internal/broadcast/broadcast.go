// Package broadcast implements the fee sanity check, raw-tx cache, and
// INV/GETDATA/mempool broadcast dance.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/logx"
	"github.com/shailight/walletcore/internal/p2p"
	"github.com/shailight/walletcore/internal/txbuilder"
	"github.com/shailight/walletcore/internal/wireproto"
)

// FeeSanityWarnThreshold is the fee, in sats, above which CheckFeeSanity
// logs a warning. It does not block the broadcast, only logs.
const FeeSanityWarnThreshold = 1_000_000

// CheckFeeSanity rejects a negative fee (totalOut > totalIn) and warns on
// an unusually large one.
func CheckFeeSanity(totalIn, totalOut uint64) (fee uint64, err error) {
	if totalOut > totalIn {
		return 0, fmt.Errorf("broadcast: negative fee: inputs %d < outputs %d", totalIn, totalOut)
	}
	fee = totalIn - totalOut
	if fee > FeeSanityWarnThreshold {
		logx.L.Warn().Uint64("fee_sats", fee).Msg("broadcast: unusually large fee")
	}
	return fee, nil
}

// RejectCode maps the numeric `reject` message codes to symbolic names.
type RejectCode byte

const (
	RejectDuplicate       RejectCode = 0x12
	RejectInsufficientFee RejectCode = 0x42
	RejectInvalid         RejectCode = 0x10
	RejectObsolete        RejectCode = 0x11
	RejectNonStandard     RejectCode = 0x40
	RejectDust            RejectCode = 0x41
	RejectCheckpoint      RejectCode = 0x43
)

func (c RejectCode) String() string {
	switch c {
	case RejectDuplicate:
		return "DUPLICATE"
	case RejectInsufficientFee:
		return "INSUFFICIENT_FEE"
	case RejectInvalid:
		return "INVALID"
	case RejectObsolete:
		return "OBSOLETE"
	case RejectNonStandard:
		return "NONSTANDARD"
	case RejectDust:
		return "DUST"
	case RejectCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(c))
	}
}

// cacheEntry pairs raw witness bytes with their insertion time, for the
// cache's TTL eviction.
type cacheEntry struct {
	raw        []byte
	insertedAt time.Time
}

// PeerSender abstracts the subset of p2p.Manager that broadcast needs.
type PeerSender interface {
	ActivePeers() []*p2p.Peer
	Select(purpose p2p.Purpose) (*p2p.Peer, error)
}

// Cache is the broadcast cache: internal txid -> raw witness bytes,
// entries expire after BroadcastCacheTTL.
type Cache struct {
	mu      sync.Mutex
	entries map[chainhash.Hash]cacheEntry
	now     func() time.Time
}

// NewCache constructs an empty broadcast cache. now defaults to time.Now.
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{entries: make(map[chainhash.Hash]cacheEntry), now: now}
}

// Put stores raw (witness) bytes under their internal (non-witness) txid.
func (c *Cache) Put(txid chainhash.Hash, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	c.entries[txid] = cacheEntry{raw: raw, insertedAt: c.now()}
}

// Get returns the raw bytes for txid, if still live.
func (c *Cache) Get(txid chainhash.Hash) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	e, ok := c.entries[txid]
	if !ok {
		return nil, false
	}
	return e.raw, true
}

func (c *Cache) expireLocked() {
	cutoff := c.now().Add(-chainparams.BroadcastCacheTTL)
	for k, e := range c.entries {
		if e.insertedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

// Broadcaster drives the inv/getdata/mempool broadcast dance.
type Broadcaster struct {
	params chainparams.Params
	peers  PeerSender
	cache  *Cache
	now    func() time.Time
	sleep  func(time.Duration)

	echoMu sync.Mutex
	echoes map[chainhash.Hash]bool
}

func New(params chainparams.Params, peers PeerSender, cache *Cache) *Broadcaster {
	return &Broadcaster{
		params: params, peers: peers, cache: cache, now: time.Now, sleep: time.Sleep,
		echoes: make(map[chainhash.Hash]bool),
	}
}

// Broadcast caches tx, sends inv to every active peer, then after 3s asks
// one peer for its mempool and waits up to 5s for an inv that echoes our
// txid, returning a best-effort confirmed bool.
func (b *Broadcaster) Broadcast(tx *txbuilder.Tx) (confirmed bool, err error) {
	txid := tx.Txid()
	raw := tx.SerializeWitness()
	b.cache.Put(txid, raw)

	invVec := &wire.InvVect{Type: wire.InvTypeTx, Hash: txid}
	invMsg := wire.NewMsgInv()
	_ = invMsg.AddInvVect(invVec)

	for _, p := range b.peers.ActivePeers() {
		if err := p.Send(b.params.Magic, invMsg); err != nil {
			logx.L.Warn().Err(err).Str("peer", p.Addr).Msg("broadcast: inv send failed")
		}
	}

	b.sleep(3 * time.Second)

	peer, err := b.peers.Select(p2p.PurposeData)
	if err != nil {
		return false, err
	}
	if err := peer.Send(b.params.Magic, wire.NewMsgMemPool()); err != nil {
		return false, err
	}

	return b.waitForEcho(txid, 5*time.Second), nil
}

// waitForEcho is satisfied by the facade feeding inv messages through
// ObserveInv as they arrive; here it just polls the set of echoed hashes.
// The client facade owns the actual message dispatch loop, so this method
// is a hook the facade calls with each observed inv rather than blocking
// on its own socket read.
func (b *Broadcaster) waitForEcho(txid chainhash.Hash, timeout time.Duration) bool {
	deadline := b.now().Add(timeout)
	for b.now().Before(deadline) {
		if b.echoed(txid) {
			return true
		}
		b.sleep(100 * time.Millisecond)
	}
	return false
}

func (b *Broadcaster) echoed(txid chainhash.Hash) bool {
	b.echoMu.Lock()
	defer b.echoMu.Unlock()
	return b.echoes[txid]
}

// ObserveInv lets the facade feed every inbound inv message to the
// broadcaster so Broadcast's echo wait can resolve as soon as the network
// reflects our tx back. Every tx-typed hash is recorded as it appears;
// Broadcast's wait looks only for the non-witness txid, so an announcement
// by witness txid does not count as a match.
func (b *Broadcaster) ObserveInv(msg *wire.MsgInv) {
	b.echoMu.Lock()
	defer b.echoMu.Unlock()
	for _, item := range msg.InvList {
		if item.Type != wire.InvTypeTx {
			continue
		}
		b.echoes[item.Hash] = true
	}
}

// HandleGetData answers a getdata for a cached tx hash (MSG_TX or the
// witness-serialization variant 0x40000001) with the raw bytes.
func (b *Broadcaster) HandleGetData(peer *p2p.Peer, msg *wire.MsgGetData) {
	for _, item := range msg.InvList {
		if item.Type != wire.InvTypeTx && uint32(item.Type) != 0x40000001 {
			continue
		}
		raw, ok := b.cache.Get(item.Hash)
		if !ok {
			continue
		}
		txMsg := &wireproto.RawMessage{CommandName: wire.CmdTx, Payload: raw}
		if err := peer.Send(b.params.Magic, txMsg); err != nil {
			logx.L.Warn().Err(err).Msg("broadcast: getdata reply send failed")
		}
	}
}
