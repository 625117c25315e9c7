package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/logx"
	"github.com/shailight/walletcore/internal/wireproto"
)

// Config controls Manager behavior.
type Config struct {
	Params         chainparams.Params
	MaxConnections int
	Discovery      bool
	UserAgent      string
	Clock          Clock
}

// Manager owns every Peer connection. It performs handshakes, keeps
// connections alive, reconnects with backoff, and exposes purpose-scoped
// selection policies.
type Manager struct {
	cfg        Config
	dispatcher Dispatcher

	mu        sync.Mutex
	peers     map[string]*Peer
	peerOrder []string // insertion order, for stable round-robin cursors
	banned    map[string]bool
	backoff   map[string]time.Duration
	cursors   map[Purpose]int
	preferred string

	addrBook *AddressBook

	closeCh chan struct{}
}

// NewManager constructs a Manager. dispatcher receives every inbound
// message and connection lifecycle event.
func NewManager(cfg Config, dispatcher Dispatcher) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		peers:      make(map[string]*Peer),
		banned:     make(map[string]bool),
		backoff:    make(map[string]time.Duration),
		cursors:    make(map[Purpose]int),
		addrBook:   NewAddressBook(),
		closeCh:    make(chan struct{}),
	}
}

// SetPreferred overrides peer selection to always prefer addr if connected.
func (m *Manager) SetPreferred(addr string) {
	m.mu.Lock()
	m.preferred = addr
	m.mu.Unlock()
}

// Connect dials addr, performs the handshake, and starts the peer's read
// loop and ping scheduler in the background. isSeed marks a peer supplied
// at startup (as opposed to one discovered via addr/addrv2).
func (m *Manager) Connect(addr string, isSeed bool) error {
	m.mu.Lock()
	if m.banned[addr] {
		m.mu.Unlock()
		return fmt.Errorf("p2p: %s is banned", addr)
	}
	if len(m.peers) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return fmt.Errorf("p2p: at max connections (%d)", m.cfg.MaxConnections)
	}
	m.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, chainparams.HandshakeTimeout)
	if err != nil {
		m.scheduleReconnect(addr, isSeed)
		return err
	}

	peer := &Peer{
		Addr:   addr,
		IsSeed: isSeed,
		conn:   conn,
		reader: wireproto.NewReader(conn, m.cfg.Params.Magic, func(reason string) {
			logx.L.Debug().Str("peer", addr).Str("reason", reason).Msg("wire resync")
		}),
	}

	if err := m.handshake(peer); err != nil {
		conn.Close()
		m.scheduleReconnect(addr, isSeed)
		return err
	}

	m.mu.Lock()
	m.peers[addr] = peer
	m.peerOrder = append(m.peerOrder, addr)
	delete(m.backoff, addr) // reset backoff on first success
	m.mu.Unlock()

	m.dispatcher.OnPeerConnected(peer)

	go m.readLoop(peer)
	go m.pingLoop(peer)

	return nil
}

func (m *Manager) handshake(p *Peer) error {
	version := &wire.MsgVersion{
		ProtocolVersion: wireproto.ProtocolVersion,
		Services:        0,
		Timestamp:       m.cfg.Clock.Now(),
		AddrMe:          wire.NetAddress{},
		AddrYou:         wire.NetAddress{},
		Nonce:           randomNonce(),
		UserAgent:       m.cfg.UserAgent,
		LastBlock:       0,
		DisableRelayTx:  true,
	}
	if err := p.Send(m.cfg.Params.Magic, version); err != nil {
		return err
	}
	p.mu.Lock()
	p.handshake.VersionSent = true
	p.mu.Unlock()

	deadline := m.cfg.Clock.Now().Add(chainparams.HandshakeTimeout)
	for m.cfg.Clock.Now().Before(deadline) {
		frame, err := p.reader.ReadFrame()
		if err != nil {
			return err
		}
		switch msg := frame.Msg.(type) {
		case *wire.MsgVersion:
			p.mu.Lock()
			p.services = msg.Services
			// The version decoder reads the optional trailing fields
			// only while payload bytes remain, so a truncated payload
			// lands here with LastBlock (the start height) left at zero.
			p.startHeight = msg.LastBlock
			p.mu.Unlock()
			if err := p.Send(m.cfg.Params.Magic, wire.NewMsgVerAck()); err != nil {
				return err
			}
		case *wire.MsgVerAck:
			p.mu.Lock()
			p.handshake.VerackReceived = true
			complete := p.handshake.Complete()
			p.mu.Unlock()
			if complete {
				return m.sendPostHandshake(p)
			}
		}
	}
	return fmt.Errorf("p2p: handshake with %s timed out", p.Addr)
}

func (m *Manager) sendPostHandshake(p *Peer) error {
	if err := p.Send(m.cfg.Params.Magic, wire.NewMsgSendHeaders()); err != nil {
		return err
	}
	if err := p.Send(m.cfg.Params.Magic, wire.NewMsgSendCmpct(false, 1)); err != nil {
		return err
	}
	if m.cfg.Discovery {
		if err := p.Send(m.cfg.Params.Magic, wire.NewMsgSendAddrV2()); err != nil {
			return err
		}
		if err := p.Send(m.cfg.Params.Magic, wire.NewMsgGetAddr()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readLoop(p *Peer) {
	for {
		frame, err := p.reader.ReadFrame()
		if err != nil {
			m.disconnect(p, err)
			return
		}
		p.touch()

		switch msg := frame.Msg.(type) {
		case *wire.MsgPing:
			_ = p.Send(m.cfg.Params.Magic, wire.NewMsgPong(msg.Nonce))
			continue
		case *wire.MsgPong:
			m.handlePong(p, msg)
			continue
		case *wire.MsgAddr, *wire.MsgAddrV2:
			if m.cfg.Discovery {
				m.addrBook.Ingest(msg, m.banned)
				m.maybeOpenDiscovered()
			}
			continue
		}

		m.dispatcher.OnPeerMessage(p, frame)
	}
}

func (m *Manager) handlePong(p *Peer, msg *wire.MsgPong) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.Nonce != p.lastPingNonce {
		return // mismatched nonce: ignored
	}
	p.rttSamples = append(p.rttSamples, m.cfg.Clock.Now().Sub(p.lastPingSent))
}

func (m *Manager) pingLoop(p *Peer) {
	ticker := time.NewTicker(chainparams.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			nonce := randomNonce()
			p.mu.Lock()
			if !p.handshake.Complete() {
				p.mu.Unlock()
				continue
			}
			p.lastPingNonce = nonce
			p.lastPingSent = m.cfg.Clock.Now()
			p.mu.Unlock()
			if err := p.Send(m.cfg.Params.Magic, wire.NewMsgPing(nonce)); err != nil {
				m.disconnect(p, err)
				return
			}
		}
	}
}

func (m *Manager) disconnect(p *Peer, err error) {
	m.mu.Lock()
	delete(m.peers, p.Addr)
	m.removePeerOrderLocked(p.Addr)
	m.mu.Unlock()
	p.conn.Close()
	m.dispatcher.OnPeerDisconnected(p, err)
	m.scheduleReconnect(p.Addr, p.IsSeed)
}

func (m *Manager) removePeerOrderLocked(addr string) {
	for i, a := range m.peerOrder {
		if a == addr {
			m.peerOrder = append(m.peerOrder[:i], m.peerOrder[i+1:]...)
			return
		}
	}
}

// scheduleReconnect implements exponential backoff: base 30s, capped at
// 30s, reset on first success. Given the base already
// equals the cap, backoff here is effectively constant-interval retry, but
// the doubling logic is kept so a future chain with a lower base still
// gets real exponential growth.
func (m *Manager) scheduleReconnect(addr string, isSeed bool) {
	m.mu.Lock()
	if m.banned[addr] {
		m.mu.Unlock()
		return
	}
	delay := m.backoff[addr]
	if delay == 0 {
		delay = chainparams.ReconnectBaseDelay
	} else {
		delay *= 2
		if delay > chainparams.ReconnectMaxDelay {
			delay = chainparams.ReconnectMaxDelay
		}
	}
	m.backoff[addr] = delay
	m.mu.Unlock()

	go func() {
		select {
		case <-m.closeCh:
			return
		case <-time.After(delay):
			_ = m.Connect(addr, isSeed)
		}
	}()
}

// Ban marks addr as banned: it is dropped immediately if connected and
// rejected on any future Connect/addr-book enqueue.
func (m *Manager) Ban(addr string) {
	m.mu.Lock()
	m.banned[addr] = true
	p := m.peers[addr]
	m.mu.Unlock()
	if p != nil {
		p.conn.Close()
	}
}

// Close tears down every connection and stops background loops.
func (m *Manager) Close() {
	close(m.closeCh)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		p.conn.Close()
	}
}

func (m *Manager) maybeOpenDiscovered() {
	m.mu.Lock()
	room := m.cfg.MaxConnections - len(m.peers)
	m.mu.Unlock()
	for room > 0 {
		addr, ok := m.addrBook.Next()
		if !ok {
			return
		}
		go m.Connect(addr, false)
		room--
	}
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
