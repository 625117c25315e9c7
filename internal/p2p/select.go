package p2p

import "fmt"

// Select returns the next peer to use for the given purpose, applying
// these policies:
//   - Headers: any handshake-complete peer.
//   - Filters: requires NODE_COMPACT_FILTERS.
//   - Data: any active peer (callers needing require_filters should use
//     SelectRequiringFilters instead).
//
// Each purpose keeps its own round-robin cursor; a preferred peer set via
// SetPreferred always wins when eligible.
func (m *Manager) Select(purpose Purpose) (*Peer, error) {
	return m.selectFrom(purpose, func(p *Peer) bool {
		if !p.HandshakeComplete() {
			return false
		}
		if purpose == PurposeFilters {
			return p.HasCompactFilters()
		}
		return true
	})
}

// SelectRequiringFilters selects a data peer that also advertises compact
// filter support, for callers operating with require_filters=true.
func (m *Manager) SelectRequiringFilters() (*Peer, error) {
	return m.selectFrom(PurposeData, func(p *Peer) bool {
		return p.HandshakeComplete() && p.HasCompactFilters()
	})
}

func (m *Manager) selectFrom(purpose Purpose, eligible func(*Peer) bool) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.preferred != "" {
		if p, ok := m.peers[m.preferred]; ok && eligible(p) {
			return p, nil
		}
	}

	if len(m.peerOrder) == 0 {
		return nil, fmt.Errorf("p2p: no connected peers")
	}

	cursor := m.cursors[purpose]
	for i := 0; i < len(m.peerOrder); i++ {
		idx := (cursor + i) % len(m.peerOrder)
		p := m.peers[m.peerOrder[idx]]
		if eligible(p) {
			m.cursors[purpose] = idx + 1
			return p, nil
		}
	}
	return nil, fmt.Errorf("p2p: no eligible peer for purpose %d", purpose)
}

// ActivePeers returns a snapshot of every currently connected peer.
func (m *Manager) ActivePeers() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}
