// Package client implements the client facade: it owns the peer manager,
// header chain store, header sync, and filter sync exclusively, dispatches
// every inbound peer message to the right subsystem, drives the
// header/filter-header sync phase machine, and exposes the block-fetch and
// broadcast operations the wallet repository calls through. The peer
// manager never holds a back-pointer into this type; it only pushes
// (peer, message) pairs forward via the Dispatcher interface this type
// implements, keeping what would otherwise be a cyclic reference a
// one-way event flow.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/shailight/walletcore/internal/broadcast"
	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/filtersync"
	"github.com/shailight/walletcore/internal/headerstore"
	"github.com/shailight/walletcore/internal/headersync"
	"github.com/shailight/walletcore/internal/logx"
	"github.com/shailight/walletcore/internal/p2p"
	"github.com/shailight/walletcore/internal/txbuilder"
	"github.com/shailight/walletcore/internal/wireproto"
)

// Phase is a coarse sync-progress state for observers (status bars,
// logging).
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseSyncingHeaders
	PhaseSyncingFilterHeaders
	PhaseReady
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseSyncingHeaders:
		return "syncing_headers"
	case PhaseSyncingFilterHeaders:
		return "syncing_filter_headers"
	case PhaseReady:
		return "ready"
	default:
		return "error"
	}
}

// BlockObserver is notified once per newly observed block height, modeled
// as a single-method observer interface rather than a multi-method
// listener so callers only implement what they use.
type BlockObserver interface {
	OnNewBlock(height int64)
}

// ReorgObserver is notified when a reorg is detected, with the old tip
// height, new tip height, and the common-ancestor height.
type ReorgObserver interface {
	OnReorg(oldHeight, newHeight, commonAncestor int64)
}

// StateObserver receives a generic dirty notification whenever facade
// state changes.
type StateObserver interface {
	OnStateChanged()
}

// Config configures a Facade.
type Config struct {
	Params         chainparams.Params
	HeadersPath    string
	PeerAddress    string
	MaxConnections int
	Discovery      bool
	RequireFilters bool
	UserAgent      string
	Clock          p2p.Clock
}

// Facade is the client facade: the single point through which the wallet
// repository reaches the network.
type Facade struct {
	cfg   Config
	store *headerstore.Store

	manager *p2p.Manager
	hsync   *headersync.Sync
	fsync   *filtersync.Sync
	cache   *broadcast.Cache
	bcast   *broadcast.Broadcaster

	mu               sync.Mutex
	phase            Phase
	lastErr          error
	pendingBlocks    map[chainhash.Hash]chan []byte
	pendingCFHeaders chan *wire.MsgCFHeaders

	blockObservers []BlockObserver
	reorgObservers []ReorgObserver
	stateObservers []StateObserver
}

// New constructs a Facade and its owned subsystems, but does not connect
// to any peer yet; call Start for that.
func New(cfg Config) (*Facade, error) {
	store, err := headerstore.New(cfg.Params, cfg.HeadersPath)
	if err != nil {
		return nil, fmt.Errorf("client: open header store: %w", err)
	}

	f := &Facade{
		cfg:              cfg,
		store:            store,
		pendingBlocks:    make(map[chainhash.Hash]chan []byte),
		pendingCFHeaders: make(chan *wire.MsgCFHeaders, 1),
		cache:            broadcast.NewCache(nil),
	}

	f.manager = p2p.NewManager(p2p.Config{
		Params:         cfg.Params,
		MaxConnections: cfg.MaxConnections,
		Discovery:      cfg.Discovery,
		UserAgent:      cfg.UserAgent,
		Clock:          cfg.Clock,
	}, f)

	f.hsync = headersync.New(cfg.Params, store, f.manager, f.dispatchNewBlock)
	f.fsync = filtersync.New(cfg.Params, store, f.manager)
	f.bcast = broadcast.New(cfg.Params, f.manager, f.cache)

	return f, nil
}

// AddBlockObserver registers a callback for newly observed block heights.
func (f *Facade) AddBlockObserver(o BlockObserver) { f.blockObservers = append(f.blockObservers, o) }

// AddReorgObserver registers a callback for detected reorgs.
func (f *Facade) AddReorgObserver(o ReorgObserver) { f.reorgObservers = append(f.reorgObservers, o) }

// AddStateObserver registers a generic dirty-state callback.
func (f *Facade) AddStateObserver(o StateObserver) { f.stateObservers = append(f.stateObservers, o) }

func (f *Facade) dispatchNewBlock(height int64) {
	for _, o := range f.blockObservers {
		o.OnNewBlock(height)
	}
	f.notifyState()
}

func (f *Facade) notifyState() {
	for _, o := range f.stateObservers {
		o.OnStateChanged()
	}
}

// Phase returns the current sync phase.
func (f *Facade) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *Facade) setPhase(p Phase) {
	f.mu.Lock()
	f.phase = p
	f.mu.Unlock()
	f.notifyState()
}

// LastError returns the last fatal error set on the facade. Fatal,
// user-visible errors set a visible error string here rather than
// propagating through a return value nobody is polling.
func (f *Facade) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *Facade) setError(err error) {
	f.mu.Lock()
	f.lastErr = err
	f.phase = PhaseError
	f.mu.Unlock()
	f.notifyState()
}

// Start connects to the configured peer and runs header + filter-header
// sync to tip, leaving the facade in PhaseReady on success.
func (f *Facade) Start() error {
	f.setPhase(PhaseConnecting)
	if err := f.manager.Connect(f.cfg.PeerAddress, true); err != nil {
		f.setError(err)
		return err
	}

	f.setPhase(PhaseSyncingHeaders)
	if err := f.hsync.SyncToTip(); err != nil {
		f.setError(err)
		return err
	}

	f.setPhase(PhaseSyncingFilterHeaders)
	if err := f.syncFilterHeaders(); err != nil {
		f.setError(err)
		return err
	}

	f.setPhase(PhaseReady)
	return nil
}

// syncFilterHeaders requests checkpoints once, then drives
// filtersync.SyncFilterHeaders, waiting up to 2 minutes for each cfheaders
// response; if the run fails for any reason it is retried once.
func (f *Facade) syncFilterHeaders() error {
	if err := f.fsync.RequestCheckpoints(); err != nil {
		logx.L.Warn().Err(err).Msg("client: getcfcheckpt failed, continuing without checkpoints")
	}

	run := func() error {
		return f.fsync.SyncFilterHeaders(func() (*wire.MsgCFHeaders, error) {
			select {
			case msg := <-f.pendingCFHeaders:
				return msg, nil
			case <-time.After(chainparams.FilterHeaderSyncTimeout):
				return nil, fmt.Errorf("client: cfheaders response timed out")
			}
		})
	}

	if err := run(); err != nil {
		logx.L.Warn().Err(err).Msg("client: filter header sync timed out, retrying once")
		return run()
	}
	return nil
}

// TipHeight returns the local header-chain tip height.
func (f *Facade) TipHeight() int64 {
	return f.store.TotalHeight()
}

// HeaderStore exposes the owned header store for callers (wallet reorg
// handling) that need direct read access.
func (f *Facade) HeaderStore() *headerstore.Store { return f.store }

// PrefetchFilters requests filters for [start, end] without blocking for
// the responses.
func (f *Facade) PrefetchFilters(start, end int64) error {
	return f.fsync.RequestFilterBatch(start, end)
}

// FilterMatchesScripts runs the GCS membership test for height's filter
// against scripts.
func (f *Facade) FilterMatchesScripts(height int64, scripts [][]byte) (bool, error) {
	return f.fsync.FilterMatchesScripts(height, scripts)
}

// FetchBlock requests the block at height and waits up to
// BlockRequestTimeout, resolving to (nil, nil) on notfound/timeout.
func (f *Facade) FetchBlock(height int64) ([]byte, error) {
	hash, err := f.store.GetBlockHashAsync(height)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 1)
	f.mu.Lock()
	f.pendingBlocks[hash] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.pendingBlocks, hash)
		f.mu.Unlock()
	}()

	peer, err := f.selectDataPeer()
	if err != nil {
		return nil, err
	}
	getData := wire.NewMsgGetData()
	_ = getData.AddInvVect(&wire.InvVect{Type: wire.InvTypeBlock, Hash: hash})
	if err := peer.Send(f.cfg.Params.Magic, getData); err != nil {
		return nil, err
	}

	select {
	case raw := <-ch:
		return raw, nil
	case <-time.After(chainparams.BlockRequestTimeout):
		return nil, nil
	}
}

func (f *Facade) selectDataPeer() (*p2p.Peer, error) {
	if f.cfg.RequireFilters {
		return f.manager.SelectRequiringFilters()
	}
	return f.manager.Select(p2p.PurposeData)
}

// Broadcast sends tx through the inv/getdata/mempool dance.
func (f *Facade) Broadcast(tx *txbuilder.Tx) (bool, error) {
	return f.bcast.Broadcast(tx)
}

// Close tears down every owned subsystem.
func (f *Facade) Close() error {
	f.manager.Close()
	return f.store.ForceFlush()
}

// --- p2p.Dispatcher ---

func (f *Facade) OnPeerConnected(p *p2p.Peer) {
	f.hsync.AnnouncePeerHeight(int64(p.StartHeight()))
	logx.L.Info().Str("peer", p.Addr).Msg("client: peer connected")
	f.notifyState()
}

func (f *Facade) OnPeerDisconnected(p *p2p.Peer, err error) {
	logx.L.Warn().Str("peer", p.Addr).Err(err).Msg("client: peer disconnected")
	f.notifyState()
}

func (f *Facade) OnPeerMessage(p *p2p.Peer, frame *wireproto.Frame) {
	switch frame.Command {
	case wire.CmdHeaders:
		raw, ok := frame.Msg.(*wireproto.RawMessage)
		if !ok {
			return
		}
		f.hsync.OnHeadersFrame(raw.Payload)

	case wire.CmdBlock:
		raw, ok := frame.Msg.(*wireproto.RawMessage)
		if !ok {
			return
		}
		f.handleBlockFrame(raw.Payload)

	case wire.CmdInv:
		msg := frame.Msg.(*wire.MsgInv)
		f.hsync.OnInv(msg)
		f.bcast.ObserveInv(msg)

	case wire.CmdGetData:
		f.bcast.HandleGetData(p, frame.Msg.(*wire.MsgGetData))

	case wire.CmdNotFound:
		f.handleNotFound(frame.Msg.(*wire.MsgNotFound))

	case wire.CmdReject:
		f.handleReject(frame.Msg.(*wire.MsgReject))

	case wire.CmdCFCheckpt:
		f.fsync.OnCFCheckpt(frame.Msg.(*wire.MsgCFCheckpt))

	case wire.CmdCFHeaders:
		select {
		case f.pendingCFHeaders <- frame.Msg.(*wire.MsgCFHeaders):
		default:
			logx.L.Debug().Msg("client: dropping unsolicited cfheaders")
		}

	case wire.CmdCFilter:
		if err := f.fsync.OnCFilter(frame.Msg.(*wire.MsgCFilter)); err != nil {
			logx.L.Warn().Err(err).Msg("client: cfilter handling failed")
		}
	}
}

func (f *Facade) handleBlockFrame(payload []byte) {
	if len(payload) < f.cfg.Params.HeaderLength {
		logx.L.Warn().Int("len", len(payload)).Msg("client: malformed block header")
		return
	}
	header, err := wireproto.DeserializeHeader(payload[:f.cfg.Params.HeaderLength], f.cfg.Params.HeaderLength)
	if err != nil {
		logx.L.Warn().Err(err).Msg("client: malformed block header")
		return
	}
	hash := header.Hash(f.cfg.Params)

	f.mu.Lock()
	ch, ok := f.pendingBlocks[hash]
	f.mu.Unlock()
	if !ok {
		return // unsolicited, drop
	}
	select {
	case ch <- payload:
	default:
	}
}

func (f *Facade) handleNotFound(msg *wire.MsgNotFound) {
	for _, item := range msg.InvList {
		if item.Type != wire.InvTypeBlock {
			continue
		}
		f.mu.Lock()
		ch, ok := f.pendingBlocks[item.Hash]
		f.mu.Unlock()
		if ok {
			select {
			case ch <- nil:
			default:
			}
		}
	}
}

func (f *Facade) handleReject(msg *wire.MsgReject) {
	logx.L.Warn().
		Str("command", msg.Cmd).
		Str("code", broadcast.RejectCode(byte(msg.Code)).String()).
		Str("reason", msg.Reason).
		Msg("client: peer rejected message")
}
