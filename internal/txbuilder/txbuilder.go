// Package txbuilder implements transaction construction: coin selection
// (explicit or greedy-auto), the P2WPKH-only vsize fee heuristic, change
// output placement, dust dropping, sweep (subtract-fee-from-amount), and
// RBF sequence selection. It builds an unsigned Tx that internal/txsign
// then signs per BIP143.
package txbuilder

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/shailight/walletcore/internal/binc"
)

// Dust is the policy floor below which an output is dropped.
const Dust = 546

// Sequence values for the RBF opt-in rule: nSequence below 0xfffffffe
// signals replaceability per BIP125.
const (
	SequenceRBF   uint32 = 0xfffffffd
	SequenceFinal uint32 = 0xffffffff
)

// Fee-estimation constants for the P2WPKH-only vsize heuristic.
const (
	feeBaseVbytes    = 10
	feeInputVbytes   = 68
	feeOutputVbytes  = 31
	feeWitnessVbytes = 107
)

// Utxo is a tracked unspent output. Spendable is derived, not stored:
// confirmed && !frozen.
type Utxo struct {
	Txid         chainhash.Hash
	Vout         uint32
	Value        uint64
	ScriptPubKey []byte
	Address      string
	BlockHeight  *int64 // nil means unconfirmed
	Confirmed    bool
	Frozen       bool
}

// Spendable reports whether u may be selected as an input: confirmed and
// not frozen.
func (u Utxo) Spendable() bool { return u.Confirmed && !u.Frozen }

// Outpoint identifies a Utxo.
func (u Utxo) Outpoint() string { return fmt.Sprintf("%s:%d", u.Txid.String(), u.Vout) }

// Input is one unsigned transaction input. PubKeyHash is extracted from the
// spent UTXO's P2WPKH scriptPubKey and used to build the BIP143 scriptCode.
type Input struct {
	PrevTxid   chainhash.Hash
	PrevVout   uint32
	Sequence   uint32
	Value      uint64
	PubKeyHash []byte
	Witness    [][]byte // filled in by internal/txsign
}

// Output is one transaction output.
type Output struct {
	Value  uint64
	Script []byte
}

// Tx is the unsigned (pre-witness) transaction under construction.
type Tx struct {
	Version  int32
	Inputs   []Input
	Outputs  []Output
	Locktime uint32
}

// ChangeSource supplies a fresh change address/script, derived from the
// next index on the change chain. The wallet repository implements this
// against its AddressCursor rather than txbuilder holding a direct
// dependency on key derivation.
type ChangeSource interface {
	NextChangeOutput() (address string, script []byte, err error)
}

// EstimateFee applies the P2WPKH-only vsize heuristic.
func EstimateFee(numInputs, numOutputs int, feeRate uint64) uint64 {
	return uint64(VSize(numInputs, numOutputs)) * feeRate
}

// VSize computes the virtual size heuristic for a transaction with all
// P2WPKH inputs and the given output count.
func VSize(numInputs, numOutputs int) int {
	nonWitness := feeBaseVbytes + feeInputVbytes*numInputs + feeOutputVbytes*numOutputs
	witness := feeWitnessVbytes * numInputs
	return (nonWitness*4 + witness + 3) / 4 // ceiling division
}

// Params configures BuildTransaction.
type Params struct {
	// Available is the candidate UTXO set; only Spendable() entries are
	// considered.
	Available []Utxo
	// Explicit, if non-empty, restricts selection to exactly these
	// outpoints instead of running auto-selection.
	Explicit []Utxo

	RecipientScript       string // display address, for logging/records only
	RecipientScriptPubKey []byte
	AmountSats            uint64
	FeeRateSatPerVb       uint64

	// SubtractFeeFromAmount selects every available UTXO, drops the
	// recipient output to total-fee, and adds no change output ("sweep"
	// mode).
	SubtractFeeFromAmount bool

	EnableRBF bool

	Change ChangeSource
}

// Result is the outcome of a successful build.
type Result struct {
	Tx            *Tx
	UsedUtxos     []Utxo
	Fee           uint64
	ChangeValue   uint64
	ChangeScript  []byte
	ChangeAddress string
}

// pubKeyHashFromP2WPKH extracts the 20-byte witness program from a v0
// P2WPKH scriptPubKey (OP_0 OP_DATA_20 <hash>).
func pubKeyHashFromP2WPKH(script []byte) ([]byte, error) {
	if len(script) != 22 || script[0] != 0x00 || script[1] != 0x14 {
		return nil, fmt.Errorf("txbuilder: not a P2WPKH script")
	}
	return script[2:], nil
}

func sequenceFor(p Params) uint32 {
	if p.EnableRBF {
		return SequenceRBF
	}
	return SequenceFinal
}

// BuildTransaction assembles an unsigned transaction according to p: sweep,
// explicit-outpoint, or auto-selected with change.
func BuildTransaction(p Params) (*Result, error) {
	if p.SubtractFeeFromAmount {
		return buildSweep(p)
	}
	if len(p.Explicit) > 0 {
		return buildWithUtxos(p, p.Explicit, true)
	}
	return buildAuto(p)
}

func buildAuto(p Params) (*Result, error) {
	candidates := spendableSortedDesc(p.Available)
	fee := EstimateFee(1, 2, p.FeeRateSatPerVb)
	var selected []Utxo
	var total uint64
	for _, u := range candidates {
		selected = append(selected, u)
		total += u.Value
		fee = EstimateFee(len(selected), 2, p.FeeRateSatPerVb)
		if total >= p.AmountSats+fee {
			break
		}
	}
	if total < p.AmountSats+fee {
		return nil, fmt.Errorf("txbuilder: insufficient funds: have %d, need %d (amount %d + fee %d)",
			total, p.AmountSats+fee, p.AmountSats, fee)
	}
	return assemble(p, selected, fee)
}

func buildWithUtxos(p Params, utxos []Utxo, failIfInsufficient bool) (*Result, error) {
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	fee := EstimateFee(len(utxos), 2, p.FeeRateSatPerVb)
	if failIfInsufficient && total < p.AmountSats+fee {
		return nil, fmt.Errorf("txbuilder: insufficient funds in explicit UTXO set: have %d, need %d",
			total, p.AmountSats+fee)
	}
	return assemble(p, utxos, fee)
}

func buildSweep(p Params) (*Result, error) {
	selected := spendableSortedDesc(p.Available)
	if len(selected) == 0 {
		return nil, fmt.Errorf("txbuilder: no spendable utxos to sweep")
	}
	var total uint64
	for _, u := range selected {
		total += u.Value
	}
	fee := EstimateFee(len(selected), 1, p.FeeRateSatPerVb)
	if fee >= total {
		return nil, fmt.Errorf("txbuilder: fee %d exceeds total input %d", fee, total)
	}
	recipientValue := total - fee
	if recipientValue <= Dust {
		return nil, fmt.Errorf("txbuilder: sweep output %d is at or below dust", recipientValue)
	}

	tx := &Tx{Version: 2, Locktime: 0}
	seq := sequenceFor(p)
	for _, u := range selected {
		pkh, err := pubKeyHashFromP2WPKH(u.ScriptPubKey)
		if err != nil {
			return nil, err
		}
		tx.Inputs = append(tx.Inputs, Input{
			PrevTxid: u.Txid, PrevVout: u.Vout, Sequence: seq, Value: u.Value, PubKeyHash: pkh,
		})
	}
	tx.Outputs = append(tx.Outputs, Output{Value: recipientValue, Script: p.RecipientScriptPubKey})

	return &Result{Tx: tx, UsedUtxos: selected, Fee: fee}, nil
}

func assemble(p Params, selected []Utxo, fee uint64) (*Result, error) {
	var total uint64
	for _, u := range selected {
		total += u.Value
	}
	if total < p.AmountSats+fee {
		return nil, fmt.Errorf("txbuilder: insufficient funds: have %d, need %d", total, p.AmountSats+fee)
	}
	changeValue := total - p.AmountSats - fee

	tx := &Tx{Version: 2, Locktime: 0}
	seq := sequenceFor(p)
	for _, u := range selected {
		pkh, err := pubKeyHashFromP2WPKH(u.ScriptPubKey)
		if err != nil {
			return nil, err
		}
		tx.Inputs = append(tx.Inputs, Input{
			PrevTxid: u.Txid, PrevVout: u.Vout, Sequence: seq, Value: u.Value, PubKeyHash: pkh,
		})
	}
	tx.Outputs = append(tx.Outputs, Output{Value: p.AmountSats, Script: p.RecipientScriptPubKey})

	result := &Result{Tx: tx, UsedUtxos: selected, Fee: fee}

	if changeValue >= Dust {
		if p.Change == nil {
			return nil, fmt.Errorf("txbuilder: change required but no ChangeSource configured")
		}
		addr, script, err := p.Change.NextChangeOutput()
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, Output{Value: changeValue, Script: script})
		result.ChangeValue = changeValue
		result.ChangeScript = script
		result.ChangeAddress = addr
	}

	return result, nil
}

func spendableSortedDesc(utxos []Utxo) []Utxo {
	var out []Utxo
	for _, u := range utxos {
		if u.Spendable() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out
}

// SerializeNonWitness encodes tx without marker/flag/witness fields, used
// both for the internal broadcast-cache txid and as the BIP143 preimage
// building block.
func (tx *Tx) SerializeNonWitness() []byte {
	var buf []byte
	buf = appendUint32LE(buf, uint32(tx.Version))
	buf = appendVarInt(buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevTxid[:]...)
		buf = appendUint32LE(buf, in.PrevVout)
		buf = appendVarInt(buf, 0) // empty scriptSig for a P2WPKH input
		buf = appendUint32LE(buf, in.Sequence)
	}
	buf = appendVarInt(buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = appendUint64LE(buf, out.Value)
		buf = appendVarInt(buf, uint64(len(out.Script)))
		buf = append(buf, out.Script...)
	}
	buf = appendUint32LE(buf, tx.Locktime)
	return buf
}

// SerializeWitness encodes the full segwit wire representation, including
// marker/flag and per-input witness stacks. Inputs must already carry their
// Witness field (set by internal/txsign).
func (tx *Tx) SerializeWitness() []byte {
	var buf []byte
	buf = appendUint32LE(buf, uint32(tx.Version))
	buf = append(buf, 0x00, 0x01) // segwit marker + flag
	buf = appendVarInt(buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevTxid[:]...)
		buf = appendUint32LE(buf, in.PrevVout)
		buf = appendVarInt(buf, 0)
		buf = appendUint32LE(buf, in.Sequence)
	}
	buf = appendVarInt(buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = appendUint64LE(buf, out.Value)
		buf = appendVarInt(buf, uint64(len(out.Script)))
		buf = append(buf, out.Script...)
	}
	for _, in := range tx.Inputs {
		buf = appendVarInt(buf, uint64(len(in.Witness)))
		for _, item := range in.Witness {
			buf = appendVarInt(buf, uint64(len(item)))
			buf = append(buf, item...)
		}
	}
	buf = appendUint32LE(buf, tx.Locktime)
	return buf
}

// Txid is the double-SHA-256 of the non-witness serialization, used as the
// internal broadcast-cache key.
func (tx *Tx) Txid() chainhash.Hash {
	return chainhash.DoubleHashH(tx.SerializeNonWitness())
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

func appendVarInt(buf []byte, v uint64) []byte {
	w := sliceWriter{&buf}
	_, _ = binc.WriteVarInt(w, v)
	return buf
}

// sliceWriter adapts a *[]byte to io.Writer so appendVarInt can reuse
// binc.WriteVarInt instead of re-encoding CompactSize by hand.
type sliceWriter struct{ buf *[]byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
