// Package p2p implements the peer connection lifecycle: handshake,
// keep-alive, reconnect backoff, and the purpose-scoped selection policies
// the header/filter/block/tx subsystems use to pick a peer to talk to.
package p2p

import (
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/shailight/walletcore/internal/wireproto"
)

// NodeCompactFilters is bit 6 of the service flags, required for filter
// selection.
const NodeCompactFilters wire.ServiceFlag = 1 << 6

// Purpose is the reason a caller is selecting a peer, driving which
// selection policy applies.
type Purpose int

const (
	PurposeHeaders Purpose = iota
	PurposeFilters
	PurposeData
)

// HandshakePhase tracks the two-sided handshake completion: complete only
// once our version is sent AND their verack is received.
type HandshakePhase struct {
	VersionSent    bool
	VerackReceived bool
}

func (h HandshakePhase) Complete() bool { return h.VersionSent && h.VerackReceived }

// Peer is one connection's mutable state, owned exclusively by the
// Manager. Code outside this package reaches peers through Manager methods
// and uses them only through the Peer's exported fields and methods.
type Peer struct {
	Addr   string
	IsSeed bool
	Banned bool

	conn   net.Conn
	reader *wireproto.Reader

	mu              sync.Mutex
	services        wire.ServiceFlag
	handshake       HandshakePhase
	startHeight     int32
	lastMessageTime time.Time
	lastPingNonce   uint64
	lastPingSent    time.Time
	lastAddrReqTime time.Time
	rttSamples      []time.Duration

	writeMu sync.Mutex
}

// StartHeight is the peer-announced chain height from its version
// message, used to set the header-sync target alongside the local tip.
func (p *Peer) StartHeight() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startHeight
}

// HasCompactFilters reports whether the peer advertised NODE_COMPACT_FILTERS.
func (p *Peer) HasCompactFilters() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.services&NodeCompactFilters != 0
}

// HandshakeComplete reports whether both sides of the handshake finished.
func (p *Peer) HandshakeComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshake.Complete()
}

// Send frames and writes msg to the peer's connection. Safe for concurrent
// callers; the wire codec is single-writer internally via writeMu.
func (p *Peer) Send(magic uint32, msg wire.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wireproto.WriteMessage(p.conn, magic, msg)
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastMessageTime = time.Now()
	p.mu.Unlock()
}

func (p *Peer) LastMessageTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMessageTime
}

// AverageRTT returns the mean of recorded ping/pong round-trip samples, or
// zero if none have been observed yet.
func (p *Peer) AverageRTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rttSamples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range p.rttSamples {
		total += s
	}
	return total / time.Duration(len(p.rttSamples))
}

// Dispatcher receives (peer, message) pairs from every connected peer.
// The Manager never holds a back-pointer into the facade; it only pushes
// events forward, keeping what would otherwise be a cyclic reference a
// one-way event flow.
type Dispatcher interface {
	OnPeerMessage(p *Peer, frame *wireproto.Frame)
	OnPeerConnected(p *Peer)
	OnPeerDisconnected(p *Peer, err error)
}

// Clock is the injectable wall-clock capability used for ping RTT timing
// and the handshake deadline, so tests can drive those deterministically.
// Reconnect backoff and the ping interval use real timers, not Clock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}
