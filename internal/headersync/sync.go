// Package headersync implements the getheaders/headers throttled request
// state machine: throttled requests, progress tracking, and stall
// detection.
package headersync

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/shailight/walletcore/internal/binc"
	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/headerstore"
	"github.com/shailight/walletcore/internal/logx"
	"github.com/shailight/walletcore/internal/p2p"
	"github.com/shailight/walletcore/internal/wireproto"
)

// PeerSelector abstracts p2p.Manager.Select(p2p.PurposeHeaders) for tests.
type PeerSelector interface {
	Select(purpose p2p.Purpose) (*p2p.Peer, error)
}

// NewBlockCallback is invoked once per newly observed height after a small
// inv-triggered batch.
type NewBlockCallback func(height int64)

// Sync drives header synchronization against a single chain store.
type Sync struct {
	params chainparams.Params
	store  *headerstore.Store
	peers  PeerSelector

	mu              sync.Mutex
	targetHeight    int64
	requestPending  bool
	lastRequestTime time.Time
	lastLocalHeight int64
	stalled         bool
	lastErr         error

	onNewBlock NewBlockCallback

	completeCh chan error
}

// New constructs a Sync against store, requesting headers through peers.
func New(params chainparams.Params, store *headerstore.Store, peers PeerSelector, onNewBlock NewBlockCallback) *Sync {
	return &Sync{params: params, store: store, peers: peers, onNewBlock: onNewBlock}
}

// AnnouncePeerHeight raises the sync target if a peer reports a higher
// starting height than our current target: target_height is the max of
// the local tip and any peer-announced start height.
func (s *Sync) AnnouncePeerHeight(height int64) {
	s.mu.Lock()
	if height > s.targetHeight {
		s.targetHeight = height
	}
	s.mu.Unlock()
}

// SyncToTip requests headers until the store's tip matches the sync
// target, retrying once on a 5-minute overall timeout.
func (s *Sync) SyncToTip() error {
	if err := s.syncOnce(chainparams.HeaderSyncTimeout); err == nil {
		return nil
	} else if err != errTimedOut {
		return err
	}
	logx.L.Warn().Msg("headersync: retrying after timeout")
	return s.syncOnce(chainparams.HeaderSyncTimeout)
}

var errTimedOut = fmt.Errorf("headersync: timed out")

func (s *Sync) syncOnce(timeout time.Duration) error {
	localTip := s.store.TotalHeight()

	s.mu.Lock()
	if localTip >= s.targetHeight && localTip >= 0 {
		s.mu.Unlock()
		return nil // already at tip
	}
	s.completeCh = make(chan error, 1)
	s.mu.Unlock()

	if err := s.requestHeaders(false); err != nil {
		return err
	}

	select {
	case err := <-s.completeCh:
		return err
	case <-time.After(timeout):
		return errTimedOut
	}
}

// requestHeaders sends getheaders from the current local tip, honoring the
// 30s throttle unless force is set.
func (s *Sync) requestHeaders(force bool) error {
	s.mu.Lock()
	localHeight := s.store.TotalHeight()
	if !force && s.lastLocalHeight == localHeight && time.Since(s.lastRequestTime) < chainparams.HeaderRequestThrottle {
		s.mu.Unlock()
		return nil
	}
	s.lastLocalHeight = localHeight
	s.lastRequestTime = time.Now()
	s.requestPending = true
	s.mu.Unlock()

	locator, err := s.store.BuildBlockLocator()
	if err != nil {
		return err
	}
	hashes := make([]*chainhash.Hash, len(locator))
	for i, e := range locator {
		h := e.Hash
		hashes[i] = &h
	}

	peer, err := s.peers.Select(p2p.PurposeHeaders)
	if err != nil {
		return err
	}
	msg := &wire.MsgGetHeaders{
		ProtocolVersion:    wireproto.ProtocolVersion,
		BlockLocatorHashes: hashes,
		HashStop:           chainhash.Hash{},
	}
	return peer.Send(s.params.Magic, msg)
}

// OnHeadersFrame handles an inbound "headers" command payload (parsed as
// a sequence of entries, each header_length bytes plus a trailing
// varint-zero tx_count).
func (s *Sync) OnHeadersFrame(payload []byte) {
	headers, err := ParseHeadersPayload(payload, s.params.HeaderLength)
	if err != nil {
		logx.L.Warn().Err(err).Msg("headersync: malformed headers payload")
		return
	}

	addedAny := false
	for _, raw := range headers {
		h, err := wireproto.DeserializeHeader(raw, s.params.HeaderLength)
		if err != nil {
			continue
		}
		if s.store.AddHeader(h, raw) {
			addedAny = true
		}
	}

	localTip := s.store.TotalHeight()

	s.mu.Lock()
	target := s.targetHeight
	s.mu.Unlock()

	switch {
	case addedAny && localTip < target:
		// Chained pagination: immediately re-request.
		if err := s.requestHeaders(true); err != nil {
			s.complete(err)
		}
	case !addedAny && localTip >= target:
		_ = s.store.ForceFlush()
		s.complete(nil)
	case !addedAny && localTip < target:
		s.mu.Lock()
		s.stalled = true
		s.lastErr = fmt.Errorf("chain sync stalled")
		s.mu.Unlock()
		_ = s.store.ForceFlush()
		s.complete(s.lastErr)
	default:
		_ = s.store.ForceFlush()
		s.complete(nil)
	}
}

func (s *Sync) complete(err error) {
	s.mu.Lock()
	ch := s.completeCh
	s.completeCh = nil
	s.requestPending = false
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
}

// OnInv handles MSG_BLOCK inv entries: schedule a delayed header pull, and
// if few enough new headers land within a short window, invoke onNewBlock
// for each.
func (s *Sync) OnInv(msg *wire.MsgInv) {
	hasBlock := false
	for _, item := range msg.InvList {
		if item.Type == wire.InvTypeBlock {
			hasBlock = true
			break
		}
	}
	if !hasBlock {
		return
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		before := s.store.TotalHeight()
		if err := s.requestHeaders(true); err != nil {
			logx.L.Debug().Err(err).Msg("headersync: inv-triggered pull failed")
			return
		}
		time.Sleep(2 * time.Second)
		after := s.store.TotalHeight()
		delta := after - before
		if delta > 0 && delta <= 10 && s.onNewBlock != nil {
			for h := before + 1; h <= after; h++ {
				s.onNewBlock(h)
			}
		}
	}()
}

// ParseHeadersPayload splits a raw "headers" message payload into
// individual fixed-width header records: a varint header-count prefix,
// then N entries of header_length bytes followed by a trailing varint
// tx_count (always 0 in a headers message).
func ParseHeadersPayload(payload []byte, headerLength int) ([][]byte, error) {
	r := bytes.NewReader(payload)
	count, _, err := binc.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		raw, err := binc.ReadBytes(r, headerLength)
		if err != nil {
			return nil, err
		}
		txCount, _, err := binc.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		if txCount != 0 {
			return nil, fmt.Errorf("headersync: unexpected tx_count %d in headers entry", txCount)
		}
		out = append(out, raw)
	}
	return out, nil
}

// Status reports current sync progress for observers.
type Status struct {
	LocalHeight  int64
	TargetHeight int64
	Stalled      bool
	Err          error
}

func (s *Sync) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		LocalHeight:  s.store.TotalHeight(),
		TargetHeight: s.targetHeight,
		Stalled:      s.stalled,
		Err:          s.lastErr,
	}
}
