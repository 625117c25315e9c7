// Package wallet implements the wallet repository: UTXO set and address
// cursor ownership, persisted state, and scan orchestration (discovering
// UTXOs across a height range, checking a single newly-announced block,
// and handling reorgs). It holds a shared, non-owning reference to the
// client facade, and drives transaction building/signing/broadcast through
// internal/txbuilder, internal/txsign, and the facade's Broadcast method.
package wallet

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/shailight/walletcore/internal/addrs"
	"github.com/shailight/walletcore/internal/blockparser"
	"github.com/shailight/walletcore/internal/chainparams"
	"github.com/shailight/walletcore/internal/keys"
	"github.com/shailight/walletcore/internal/kvstore"
	"github.com/shailight/walletcore/internal/logx"
	"github.com/shailight/walletcore/internal/txbuilder"
	"github.com/shailight/walletcore/internal/txsign"
)

// MaxReceiveIndex and MaxChangeIndex are the hard caps on derived address
// indices per branch; the whole fixed range is scanned on every discovery
// pass rather than growing with usage.
const (
	MaxReceiveIndex = 42
	MaxChangeIndex  = 10
)

// BatchSize is the filter-prefetch batch used while scanning a height
// range for matches.
const BatchSize = 100

// ProgressStatus names the phase reported through ProgressObserver.
type ProgressStatus string

const (
	StatusScanning ProgressStatus = "scanning"
	StatusDone     ProgressStatus = "done"
)

// ProgressObserver receives scan progress callbacks as a discovery pass
// advances through its height range.
type ProgressObserver interface {
	OnScanProgress(scanned, total int64, status ProgressStatus)
}

// Facade is the subset of internal/client.Facade the wallet repository
// depends on, kept as an interface so the wallet can be tested without a
// live network.
type Facade interface {
	TipHeight() int64
	PrefetchFilters(start, end int64) error
	FilterMatchesScripts(height int64, scripts [][]byte) (bool, error)
	FetchBlock(height int64) ([]byte, error)
	Broadcast(tx *txbuilder.Tx) (bool, error)
}

// AddressCursor tracks the highest-used index per branch. -1 means "none
// issued"; the next index is highest+1.
type AddressCursor struct {
	HighestReceive int32
	HighestChange  int32
}

func (c AddressCursor) NextReceive() uint32 {
	return uint32(c.HighestReceive + 1)
}

func (c AddressCursor) NextChange() uint32 {
	return uint32(c.HighestChange + 1)
}

// persistedUtxo mirrors the JSON shape stored under the wallet_<id>_utxos
// key.
type persistedUtxo struct {
	Txid         string `json:"txid"`
	Vout         uint32 `json:"vout"`
	Value        uint64 `json:"value"`
	ScriptPubKey string `json:"scriptPubKey"`
	Address      string `json:"address"`
	BlockHeight  *int64 `json:"blockHeight"`
	Confirmed    bool   `json:"confirmed"`
	Frozen       bool   `json:"frozen"`
}

// Wallet is the wallet repository: address derivation, UTXO tracking,
// persisted state, and the send path.
type Wallet struct {
	id     string
	params chainparams.Params
	hd     *keys.HDWallet
	facade Facade
	kv     *kvstore.Store

	mu                sync.Mutex
	utxos             map[string]txbuilder.Utxo // keyed by Outpoint()
	cursor            AddressCursor
	lastScannedHeight int64

	progressObservers []ProgressObserver
	lastProgressEmit  time.Time
}

// New constructs a wallet repository not yet backed by a seed; call
// InitFromSeed before any derivation-dependent operation.
func New(id string, params chainparams.Params, facade Facade, kv *kvstore.Store) *Wallet {
	return &Wallet{
		id: id, params: params, facade: facade, kv: kv,
		utxos:             make(map[string]txbuilder.Utxo),
		lastScannedHeight: -1,
		cursor:            AddressCursor{HighestReceive: -1, HighestChange: -1},
	}
}

// ErrNotInitialized is returned by operations that require a loaded seed.
var ErrNotInitialized = fmt.Errorf("wallet: not initialized")

// InitFromSeed loads the BIP32 master node and restores persisted state
// (UTXO set, address cursor, last-scanned height), if any.
func (w *Wallet) InitFromSeed(seed []byte) error {
	hd, err := keys.NewFromSeed(seed, w.params)
	if err != nil {
		return err
	}
	w.hd = hd
	return w.load()
}

func (w *Wallet) AddProgressObserver(o ProgressObserver) {
	w.progressObservers = append(w.progressObservers, o)
}

func (w *Wallet) emitProgress(scanned, total int64, status ProgressStatus) {
	now := time.Now()
	if status == StatusScanning && now.Sub(w.lastProgressEmit) < 250*time.Millisecond {
		return
	}
	w.lastProgressEmit = now
	for _, o := range w.progressObservers {
		o.OnScanProgress(scanned, total, status)
	}
}

// --- persistence ---

func (w *Wallet) keyLastScanned() string { return fmt.Sprintf("wallet_%s_lastScannedHeight", w.id) }
func (w *Wallet) keyUtxos() string       { return fmt.Sprintf("wallet_%s_utxos", w.id) }
func (w *Wallet) keyAddressBook() string { return fmt.Sprintf("address_book_v1_%s", w.id) }

func (w *Wallet) load() error {
	if raw, err := w.kv.Get(w.keyLastScanned()); err == nil {
		var h int64
		if jsonErr := json.Unmarshal(raw, &h); jsonErr == nil {
			w.lastScannedHeight = h
		}
	} else if err != kvstore.ErrNotFound {
		return err
	}

	if raw, err := w.kv.Get(w.keyUtxos()); err == nil {
		var list []persistedUtxo
		if jsonErr := json.Unmarshal(raw, &list); jsonErr != nil {
			return jsonErr
		}
		for _, pu := range list {
			u, err := fromPersisted(pu)
			if err != nil {
				return err
			}
			w.utxos[u.Outpoint()] = u
		}
	} else if err != kvstore.ErrNotFound {
		return err
	}

	if raw, err := w.kv.Get(w.keyAddressBook()); err == nil {
		var m map[string]int32
		if jsonErr := json.Unmarshal(raw, &m); jsonErr != nil {
			return jsonErr
		}
		if v, ok := m["0"]; ok { // receive branch ordinal
			w.cursor.HighestReceive = v
		}
		if v, ok := m["1"]; ok { // change branch ordinal
			w.cursor.HighestChange = v
		}
	} else if err != kvstore.ErrNotFound {
		return err
	}
	return nil
}

func (w *Wallet) persist() error {
	if raw, err := json.Marshal(w.lastScannedHeight); err == nil {
		if err := w.kv.Put(w.keyLastScanned(), raw); err != nil {
			return err
		}
	}

	list := make([]persistedUtxo, 0, len(w.utxos))
	for _, u := range w.utxos {
		list = append(list, toPersisted(u))
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := w.kv.Put(w.keyUtxos(), raw); err != nil {
		return err
	}

	book := map[string]int32{"0": w.cursor.HighestReceive, "1": w.cursor.HighestChange}
	raw, err = json.Marshal(book)
	if err != nil {
		return err
	}
	return w.kv.Put(w.keyAddressBook(), raw)
}

func toPersisted(u txbuilder.Utxo) persistedUtxo {
	return persistedUtxo{
		Txid: u.Txid.String(), Vout: u.Vout, Value: u.Value,
		ScriptPubKey: hex.EncodeToString(u.ScriptPubKey), Address: u.Address,
		BlockHeight: u.BlockHeight, Confirmed: u.Confirmed, Frozen: u.Frozen,
	}
}

func fromPersisted(pu persistedUtxo) (txbuilder.Utxo, error) {
	txid, err := chainhash.NewHashFromStr(pu.Txid)
	if err != nil {
		return txbuilder.Utxo{}, err
	}
	script, err := hex.DecodeString(pu.ScriptPubKey)
	if err != nil {
		return txbuilder.Utxo{}, err
	}
	return txbuilder.Utxo{
		Txid: *txid, Vout: pu.Vout, Value: pu.Value, ScriptPubKey: script,
		Address: pu.Address, BlockHeight: pu.BlockHeight, Confirmed: pu.Confirmed, Frozen: pu.Frozen,
	}, nil
}

// --- script set / key derivation ---

// scriptEntry pairs a derived address with its scriptPubKey and the path
// used to sign for it.
type scriptEntry struct {
	address string
	script  []byte
	chain   keys.Chain
	index   uint32
}

// scriptSet derives the first MaxReceiveIndex receive addresses and
// MaxChangeIndex change addresses, all native-segwit. Derivation does not
// depend on the persisted cursor — the whole fixed range is always
// scanned.
func (w *Wallet) scriptSet() ([]scriptEntry, error) {
	if w.hd == nil {
		return nil, ErrNotInitialized
	}
	var out []scriptEntry
	for i := uint32(0); i < MaxReceiveIndex; i++ {
		e, err := w.deriveEntry(keys.ReceiveChain, i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	for i := uint32(0); i < MaxChangeIndex; i++ {
		e, err := w.deriveEntry(keys.ChangeChain, i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (w *Wallet) deriveEntry(chain keys.Chain, index uint32) (scriptEntry, error) {
	pub, err := w.hd.DerivePublicKey(0, chain, index)
	if err != nil {
		return scriptEntry{}, err
	}
	addr, err := addrs.DeriveAddress(pub, addrs.NativeSegWit, w.params)
	if err != nil {
		return scriptEntry{}, err
	}
	script, err := addrs.AddressToScript(addr, w.params)
	if err != nil {
		return scriptEntry{}, err
	}
	return scriptEntry{address: addr, script: script, chain: chain, index: index}, nil
}

func scriptTargets(entries []scriptEntry) map[string][]byte {
	targets := make(map[string][]byte, len(entries))
	for _, e := range entries {
		targets[e.address] = e.script
	}
	return targets
}

func scriptBytes(entries []scriptEntry) [][]byte {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.script
	}
	return out
}

// --- scan orchestration ---

// DiscoverUtxos scans [effective_start, tip) for matches, extracts
// UTXOs/spends from every matched block, and persists the result.
func (w *Wallet) DiscoverUtxos(fullRescan bool, startHeight int64) error {
	entries, err := w.scriptSet()
	if err != nil {
		return err
	}
	scripts := scriptBytes(entries)
	targets := scriptTargets(entries)

	tip := w.facade.TipHeight()

	w.mu.Lock()
	effectiveStart := w.effectiveStartLocked(fullRescan, startHeight, tip)
	w.mu.Unlock()

	var matched []int64
	for h := effectiveStart; h < tip; h++ {
		if (h-effectiveStart)%BatchSize == 0 {
			end := h + BatchSize - 1
			if end >= tip {
				end = tip - 1
			}
			if err := w.facade.PrefetchFilters(h, end); err != nil {
				logx.L.Warn().Err(err).Int64("height", h).Msg("wallet: filter prefetch failed")
			}
		}

		ok, err := w.facade.FilterMatchesScripts(h, scripts)
		if err != nil {
			return fmt.Errorf("wallet: filter match at height %d: %w", h, err)
		}
		if ok {
			matched = append(matched, h)
		}
		w.emitProgress(h-effectiveStart+1, tip-effectiveStart, StatusScanning)
	}

	for _, h := range matched {
		if err := w.applyBlock(h, targets); err != nil {
			return fmt.Errorf("wallet: apply block %d: %w", h, err)
		}
	}

	w.mu.Lock()
	w.lastScannedHeight = tip
	err = w.persist()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	w.emitProgress(tip-effectiveStart, tip-effectiveStart, StatusDone)
	return nil
}

func (w *Wallet) effectiveStartLocked(fullRescan bool, startHeight, tip int64) int64 {
	if fullRescan {
		if startHeight > tip {
			return tip
		}
		return startHeight
	}
	if w.lastScannedHeight >= startHeight {
		return w.lastScannedHeight
	}
	return startHeight
}

// CheckBlockForTransactions runs extraction for a single newly-announced
// height, waiting briefly if the local tip hasn't caught up yet.
func (w *Wallet) CheckBlockForTransactions(height int64) error {
	deadline := time.Now().Add(2 * time.Second)
	for w.facade.TipHeight() < height && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	entries, err := w.scriptSet()
	if err != nil {
		return err
	}
	targets := scriptTargets(entries)
	scripts := scriptBytes(entries)

	ok, err := w.facade.FilterMatchesScripts(height, scripts)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := w.applyBlock(height, targets); err != nil {
		return err
	}

	w.mu.Lock()
	if height > w.lastScannedHeight {
		w.lastScannedHeight = height
	}
	err = w.persist()
	w.mu.Unlock()
	return err
}

func (w *Wallet) applyBlock(height int64, targets map[string][]byte) error {
	raw, err := w.facade.FetchBlock(height)
	if err != nil {
		return err
	}
	if raw == nil {
		logx.L.Warn().Int64("height", height).Msg("wallet: block fetch returned nothing, skipping")
		return nil
	}

	result, err := blockparser.ParseBlockForScripts(raw, w.params.HeaderLength, targets)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, m := range result.Matches {
		h := height
		u := txbuilder.Utxo{
			Txid: m.Txid, Vout: m.Vout, Value: m.Value,
			ScriptPubKey: targets[m.Address], Address: m.Address,
			BlockHeight: &h, Confirmed: true,
		}
		w.utxos[u.Outpoint()] = u
	}

	for _, sp := range result.SpentOutpoints {
		key := fmt.Sprintf("%s:%d", sp.Txid.String(), sp.Vout)
		delete(w.utxos, key)
	}
	return nil
}

// HandleReorg marks UTXOs at or above fromHeight unconfirmed, deleting
// nothing. The caller is responsible for also truncating the
// header/filter chains.
func (w *Wallet) HandleReorg(fromHeight int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, u := range w.utxos {
		if u.BlockHeight != nil && *u.BlockHeight >= fromHeight {
			u.Confirmed = false
			w.utxos[key] = u
		}
	}
	if w.lastScannedHeight >= fromHeight {
		w.lastScannedHeight = fromHeight - 1
	}
}

// Utxos returns a snapshot of the current UTXO set.
func (w *Wallet) Utxos() []txbuilder.Utxo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]txbuilder.Utxo, 0, len(w.utxos))
	for _, u := range w.utxos {
		out = append(out, u)
	}
	return out
}

// LastScannedHeight returns the most recently persisted scan height.
func (w *Wallet) LastScannedHeight() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastScannedHeight
}

// --- send path: coin selection, signing, broadcast ---

// NextReceiveAddress advances and returns the next receive-chain address,
// bounded by MaxReceiveIndex.
func (w *Wallet) NextReceiveAddress() (string, error) {
	w.mu.Lock()
	next := w.cursor.NextReceive()
	w.mu.Unlock()
	if next >= MaxReceiveIndex {
		return "", fmt.Errorf("wallet: receive index %d exceeds cap %d", next, MaxReceiveIndex)
	}
	entry, err := w.deriveEntry(keys.ReceiveChain, next)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	w.cursor.HighestReceive = int32(next)
	err = w.persist()
	w.mu.Unlock()
	if err != nil {
		return "", err
	}
	return entry.address, nil
}

// Balance sums the value of every spendable UTXO and, separately, of every
// other UTXO (unconfirmed or frozen) as pending.
func (w *Wallet) Balance() (spendable, pending uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range w.utxos {
		if u.Spendable() {
			spendable += u.Value
		} else {
			pending += u.Value
		}
	}
	return spendable, pending
}

// NextChangeOutput implements txbuilder.ChangeSource against the wallet's
// own address cursor, advancing HighestChange on every call, bounded by
// MaxChangeIndex.
func (w *Wallet) NextChangeOutput() (address string, script []byte, err error) {
	w.mu.Lock()
	next := w.cursor.NextChange()
	w.mu.Unlock()
	if next >= MaxChangeIndex {
		return "", nil, fmt.Errorf("wallet: change index %d exceeds cap %d", next, MaxChangeIndex)
	}
	entry, err := w.deriveEntry(keys.ChangeChain, next)
	if err != nil {
		return "", nil, err
	}
	w.mu.Lock()
	w.cursor.HighestChange = int32(next)
	w.mu.Unlock()
	return entry.address, entry.script, nil
}

// PrivateKeyForScript implements txsign.KeySource by deriving the private
// key whose address matches scriptPubKey across the wallet's full
// receive+change range.
func (w *Wallet) PrivateKeyForScript(scriptPubKey []byte) (*btcec.PrivateKey, error) {
	entries, err := w.scriptSet()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if bytes.Equal(e.script, scriptPubKey) {
			return w.hd.DerivePrivateKey(0, e.chain, e.index)
		}
	}
	return nil, fmt.Errorf("wallet: no key for script %x", scriptPubKey)
}

// Send builds, signs, and broadcasts a transaction, then reconciles the
// local UTXO set on success.
func (w *Wallet) Send(recipientAddr string, amountSats uint64, feeRate uint64, subtractFee, enableRBF bool, explicit []txbuilder.Utxo) (chainhash.Hash, error) {
	recipientScript, err := addrs.AddressToScript(recipientAddr, w.params)
	if err != nil {
		return chainhash.Hash{}, err
	}

	result, err := txbuilder.BuildTransaction(txbuilder.Params{
		Available:             w.Utxos(),
		Explicit:              explicit,
		RecipientScript:       recipientAddr,
		RecipientScriptPubKey: recipientScript,
		AmountSats:            amountSats,
		FeeRateSatPerVb:       feeRate,
		SubtractFeeFromAmount: subtractFee,
		EnableRBF:             enableRBF,
		Change:                w,
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	prevScripts := make([][]byte, len(result.UsedUtxos))
	for i, u := range result.UsedUtxos {
		prevScripts[i] = u.ScriptPubKey
	}
	if err := txsign.SignTransaction(result.Tx, prevScripts, w); err != nil {
		return chainhash.Hash{}, err
	}

	if _, err := w.facade.Broadcast(result.Tx); err != nil {
		return chainhash.Hash{}, err
	}

	w.reconcileAfterBroadcast(result, recipientAddr, recipientScript, amountSats, subtractFee)
	return result.Tx.Txid(), nil
}

// reconcileAfterBroadcast drops spent UTXOs and adds a pending
// (unconfirmed) UTXO for any output paid back to an address the wallet
// owns: the change output, and the recipient output when it pays one of
// the wallet's own addresses.
func (w *Wallet) reconcileAfterBroadcast(result *txbuilder.Result, recipientAddr string, recipientScript []byte, amount uint64, subtractFee bool) {
	entries, _ := w.scriptSet()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, u := range result.UsedUtxos {
		delete(w.utxos, u.Outpoint())
	}

	txid := result.Tx.Txid()
	for _, e := range entries {
		if bytes.Equal(e.script, recipientScript) {
			w.utxos[fmt.Sprintf("%s:0", txid.String())] = txbuilder.Utxo{
				Txid: txid, Vout: 0, Value: result.Tx.Outputs[0].Value, ScriptPubKey: recipientScript,
				Address: e.address, Confirmed: false,
			}
			break
		}
	}

	if result.ChangeScript != nil {
		vout := uint32(len(result.Tx.Outputs) - 1)
		w.utxos[fmt.Sprintf("%s:%d", txid.String(), vout)] = txbuilder.Utxo{
			Txid: txid, Vout: vout, Value: result.ChangeValue, ScriptPubKey: result.ChangeScript,
			Address: result.ChangeAddress, Confirmed: false,
		}
	}
	if err := w.persist(); err != nil {
		logx.L.Warn().Err(err).Msg("wallet: persist after broadcast failed")
	}
}
