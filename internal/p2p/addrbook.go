package p2p

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// AddressBook holds discovered-but-not-yet-connected peer addresses,
// populated only when discovery is enabled: unique, unbanned, valid-port
// addresses, opportunistically drained by the Manager. Seed addresses are
// not filtered out: one announced by a peer is enqueued like any other.
type AddressBook struct {
	mu    sync.Mutex
	seen  map[string]bool
	queue []string
}

func NewAddressBook() *AddressBook {
	return &AddressBook{seen: make(map[string]bool)}
}

// Ingest parses an addr or addrv2 message and enqueues any new, valid
// addresses.
func (b *AddressBook) Ingest(msg wire.Message, banned map[string]bool) {
	switch m := msg.(type) {
	case *wire.MsgAddr:
		for _, a := range m.AddrList {
			b.add(fmt.Sprintf("%s:%d", a.IP.String(), a.Port), a.Port, banned)
		}
	case *wire.MsgAddrV2:
		for _, a := range m.AddrList {
			if a.Port == 0 || len(a.Addr) == 0 {
				continue
			}
			b.add(fmt.Sprintf("%s:%d", a.Addr.String(), a.Port), a.Port, banned)
		}
	}
}

func (b *AddressBook) add(addr string, port uint16, banned map[string]bool) {
	if port == 0 {
		return
	}
	if banned != nil && banned[addr] {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen[addr] {
		return
	}
	b.seen[addr] = true
	b.queue = append(b.queue, addr)
}

// Next pops the oldest enqueued address, if any.
func (b *AddressBook) Next() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return "", false
	}
	addr := b.queue[0]
	b.queue = b.queue[1:]
	return addr, true
}
