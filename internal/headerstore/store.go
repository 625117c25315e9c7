// Package headerstore implements the header chain cache and append-only
// file store: an LRU-bounded in-memory cache of parsed headers, a pending
// queue of not-yet-persisted raw records, and a fixed-width record file on
// disk.
package headerstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/logx"
	"github.com/shailight/walletcore/internal/wireproto"
)

// CacheCapacity is the bounded in-memory parsed-header cache size.
const CacheCapacity = 100

// DefaultFlushBatchSize is flush_to_storage's default batch size.
const DefaultFlushBatchSize = 2000

// pendingHeader pairs a parsed header with its exact on-wire bytes, so
// persistence writes back the bytes verbatim rather than re-serializing.
type pendingHeader struct {
	header *wireproto.Header
	raw    []byte
	hash   chainhash.Hash
}

// Store is the header chain state: the cache, the pending queue, and the
// persisted record count, kept consistent under a single lock.
type Store struct {
	params chainparams.Params
	path   string

	mu sync.RWMutex

	cache          *lru.Cache[int64, *wireproto.Header]
	pending        []pendingHeader
	hashIndex      map[chainhash.Hash]int64
	persistedCount int64
}

// New opens (or creates) the header store backed by path.
func New(params chainparams.Params, path string) (*Store, error) {
	cache, err := lru.New[int64, *wireproto.Header](CacheCapacity)
	if err != nil {
		return nil, err
	}
	s := &Store{
		params:    params,
		path:      path,
		cache:     cache,
		hashIndex: make(map[chainhash.Hash]int64),
	}
	if err := s.loadPersistedCount(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadPersistedCount() error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		s.persistedCount = 0
		return nil
	}
	if err != nil {
		return err
	}
	s.persistedCount = info.Size() / int64(s.params.HeaderLength)
	return nil
}

// PersistedCount is the number of header records on disk.
func (s *Store) PersistedCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistedCount
}

// TotalHeight is persisted_count + |pending|: the height of the latest
// stored header. Height 0 is reserved for genesis and is never counted
// here, so an empty store reports 0 and the first stored header is height 1.
func (s *Store) TotalHeight() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistedCount + int64(len(s.pending))
}

// GetHeader returns a parsed header by height from cache or pending only
// (no disk fallback); see GetHeaderAsync for the disk-backed variant.
func (s *Store) GetHeader(height int64) (*wireproto.Header, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getHeaderLocked(height)
}

// getHeaderLocked looks up a header by blockchain height, where height 0
// is genesis (never stored here; see GetBlockHash) and the first stored
// header is height 1. Array/disk indices are height-1.
func (s *Store) getHeaderLocked(height int64) (*wireproto.Header, bool) {
	if height <= 0 {
		return nil, false
	}
	if h, ok := s.cache.Get(height); ok {
		return h, true
	}
	idx := height - 1 - s.persistedCount
	if idx >= 0 && idx < int64(len(s.pending)) {
		return s.pending[idx].header, true
	}
	return nil, false
}

// GetHeaderAsync falls back to disk when the header isn't cached or
// pending.
func (s *Store) GetHeaderAsync(height int64) (*wireproto.Header, error) {
	if h, ok := s.GetHeader(height); ok {
		return h, nil
	}
	raw, err := s.readDiskRecord(height)
	if err != nil {
		return nil, err
	}
	h, err := wireproto.DeserializeHeader(raw, s.params.HeaderLength)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache.Add(height, h)
	s.mu.Unlock()
	return h, nil
}

func (s *Store) readDiskRecord(height int64) ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if height <= 0 {
		return nil, fmt.Errorf("headerstore: height %d has no disk record", height)
	}
	recLen := int64(s.params.HeaderLength)
	buf := make([]byte, recLen)
	if _, err := f.ReadAt(buf, (height-1)*recLen); err != nil {
		return nil, fmt.Errorf("headerstore: read height %d: %w", height, err)
	}
	return buf, nil
}

// GetBlockHash returns the block hash at height: height 0 returns the
// little-endian genesis hash.
func (s *Store) GetBlockHash(height int64) (chainhash.Hash, error) {
	if height == 0 {
		return genesisHashLE(s.params)
	}
	h, ok := s.GetHeader(height)
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("headerstore: height %d not cached/pending", height)
	}
	return h.Hash(s.params), nil
}

// GetBlockHashAsync is GetBlockHash with a disk fallback.
func (s *Store) GetBlockHashAsync(height int64) (chainhash.Hash, error) {
	if height == 0 {
		return genesisHashLE(s.params)
	}
	h, err := s.GetHeaderAsync(height)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return h.Hash(s.params), nil
}

func genesisHashLE(p chainparams.Params) (chainhash.Hash, error) {
	// GenesisHashHex is stored big-endian/display order; chainhash.Hash
	// stores bytes reversed internally so NewHashFromStr already yields
	// the little-endian wire representation.
	h, err := chainhash.NewHashFromStr(p.GenesisHashHex)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}

// AddHeader validates linkage against the current tip and, if valid,
// appends the header to the pending queue. Returns false (without error)
// on duplicate hash or broken linkage: a bad header is rejected silently
// rather than treated as fatal.
func (s *Store) AddHeader(header *wireproto.Header, raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := header.Hash(s.params)
	if _, dup := s.hashIndex[hash]; dup {
		return false
	}

	height := s.persistedCount + int64(len(s.pending)) + 1
	if height == 1 {
		genesis, err := genesisHashLE(s.params)
		if err != nil || header.PrevHash != genesis {
			// Height 1 still must chain from genesis's predecessor
			// convention: PrevHash is all-zero for true genesis import,
			// otherwise it must equal the configured genesis hash for a
			// header *replacing* a placeholder entry.
			if header.PrevHash != (chainhash.Hash{}) {
				logx.L.Debug().Msg("headerstore: genesis header failed linkage check")
				return false
			}
		}
	} else {
		prevHeader, ok := s.getHeaderLocked(height - 1)
		if !ok {
			return false
		}
		prevHash := prevHeader.Hash(s.params)
		if header.PrevHash != prevHash {
			return false
		}
	}

	s.pending = append(s.pending, pendingHeader{header: header, raw: raw, hash: hash})
	s.cache.Add(height, header)
	s.hashIndex[hash] = height
	return true
}

// FlushToStorage persists pending headers once there are at least
// batchSize of them. It is idempotent: calling it with too few pending
// headers is a no-op. On I/O error, unwritten headers are reinserted at
// the head of the pending queue so a retry picks up cleanly.
func (s *Store) FlushToStorage(batchSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) < batchSize {
		return nil
	}
	return s.flushLocked(len(s.pending))
}

// ForceFlush persists all pending headers regardless of batch size.
func (s *Store) ForceFlush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	return s.flushLocked(len(s.pending))
}

func (s *Store) flushLocked(n int) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	toWrite := s.pending[:n]
	for i, ph := range toWrite {
		if _, err := f.Write(ph.raw); err != nil {
			// Reinsert the unwritten remainder at the head of pending.
			s.pending = append(toWrite[i:], s.pending[n:]...)
			return fmt.Errorf("headerstore: flush failed at offset %d: %w", i, err)
		}
		s.persistedCount++
	}
	s.pending = s.pending[n:]
	return nil
}

// Truncate removes all cache, hash-index, pending, and on-disk state above
// keepCount, for reorg handling.
func (s *Store) Truncate(keepCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, height := range s.hashIndex {
		if height > keepCount {
			delete(s.hashIndex, h)
		}
	}

	// Pending entries occupy heights (persistedCount, persistedCount+len(pending)].
	var kept []pendingHeader
	for i, ph := range s.pending {
		height := s.persistedCount + int64(i) + 1
		if height <= keepCount {
			kept = append(kept, ph)
		}
	}
	s.pending = kept

	if keepCount < s.persistedCount {
		if err := s.truncateFile(keepCount); err != nil {
			return err
		}
		s.persistedCount = keepCount
	}

	s.cache.Purge()
	for i, ph := range s.pending {
		s.cache.Add(s.persistedCount+int64(i)+1, ph.header)
	}
	for i, ph := range s.pending {
		s.hashIndex[ph.hash] = s.persistedCount + int64(i) + 1
	}
	return nil
}

func (s *Store) truncateFile(keepCount int64) error {
	return os.Truncate(s.path, keepCount*int64(s.params.HeaderLength))
}

// Reset clears all state and the on-disk file.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.hashIndex = make(map[chainhash.Hash]int64)
	s.persistedCount = 0
	s.cache.Purge()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LocatorEntry is one (height, hash) pair in a block locator.
type LocatorEntry struct {
	Height int64
	Hash   chainhash.Hash
}

// BuildBlockLocator emits entries starting at the tip, step=1 for the
// first 10, then doubling, always ending with the genesis entry.
func (s *Store) BuildBlockLocator() ([]LocatorEntry, error) {
	s.mu.RLock()
	tip := s.persistedCount + int64(len(s.pending))
	s.mu.RUnlock()

	var entries []LocatorEntry
	if tip <= 0 {
		genesis, err := genesisHashLE(s.params)
		if err != nil {
			return nil, err
		}
		return []LocatorEntry{{Height: 0, Hash: genesis}}, nil
	}

	step := int64(1)
	height := tip
	seenGenesis := false
	for height >= 0 {
		hash, err := s.GetBlockHashAsync(height)
		if err != nil {
			return nil, err
		}
		entries = append(entries, LocatorEntry{Height: height, Hash: hash})
		if height == 0 {
			seenGenesis = true
			break
		}
		if len(entries) >= 10 {
			step *= 2
		}
		height -= step
		if height < 0 {
			height = 0
		}
	}
	if !seenGenesis {
		genesis, err := genesisHashLE(s.params)
		if err != nil {
			return nil, err
		}
		entries = append(entries, LocatorEntry{Height: 0, Hash: genesis})
	}
	return entries, nil
}

// HashHex is a small convenience used by logging call sites.
func HashHex(h chainhash.Hash) string {
	return hex.EncodeToString(h[:])
}
