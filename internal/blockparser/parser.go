// Package blockparser implements raw block/transaction parsing:
// variable-int fields via internal/binc, segwit marker/flag detection,
// segwit-stripped txid computation, and filter-driven UTXO/spent
// extraction. Operates directly on raw block bytes (as delivered by the
// wire codec's RawMessage for the "block" command) rather than through
// btcd/wire.MsgBlock, since this chain's header may be longer than the
// canonical 80 bytes.
package blockparser

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/shailight/walletcore/internal/binc"
)

// TxInput is a parsed transaction input.
type TxInput struct {
	PrevTxid  chainhash.Hash // wire order; PrevTxid.String() gives display hex
	PrevVout  uint32
	ScriptSig []byte
	Sequence  uint32
}

// TxOutput is a parsed transaction output.
type TxOutput struct {
	Value        uint64
	ScriptPubKey []byte
}

// Tx is a fully parsed transaction, segwit-aware.
type Tx struct {
	Version    int32
	HasWitness bool
	Inputs     []TxInput
	Outputs    []TxOutput
	Locktime   uint32
}

// Outpoint identifies a spent input.
type Outpoint struct {
	Txid chainhash.Hash
	Vout uint32
}

// Match is one output whose scriptPubKey matched one of the wallet's
// target scripts. Address is populated only by ParseBlockForScripts,
// which knows the address each candidate script belongs to.
type Match struct {
	Txid    chainhash.Hash
	Vout    uint32
	Value   uint64
	Address string
}

// ExtractionResult is the named-field record returned by a block
// extraction pass, in place of a generic untyped map.
type ExtractionResult struct {
	Matches        []Match
	SpentOutpoints []Outpoint
}

// ParseBlock parses raw block bytes (header_length header + transactions)
// and returns every output matching targetScript plus every outpoint spent
// by any transaction in the block.
func ParseBlock(raw []byte, headerLength int, targetScript []byte) (*ExtractionResult, error) {
	return ParseBlockForScripts(raw, headerLength, map[string][]byte{"": targetScript})
}

// ParseBlockForScripts is ParseBlock generalized to the wallet's full
// script set: targets maps an owning address to its scriptPubKey. Each
// Match records which address it belongs to, and the spent-outpoint set
// is still computed once per block regardless of how many scripts are
// being watched.
func ParseBlockForScripts(raw []byte, headerLength int, targets map[string][]byte) (*ExtractionResult, error) {
	if len(raw) < headerLength {
		return nil, fmt.Errorf("blockparser: block shorter than header_length")
	}
	r := bytes.NewReader(raw[headerLength:])

	txCount, _, err := binc.ReadVarInt(r)
	if err != nil {
		return nil, err
	}

	result := &ExtractionResult{}
	for i := uint64(0); i < txCount; i++ {
		tx, txid, err := parseTx(r)
		if err != nil {
			return nil, fmt.Errorf("blockparser: tx %d: %w", i, err)
		}
		for _, in := range tx.Inputs {
			result.SpentOutpoints = append(result.SpentOutpoints, Outpoint{Txid: in.PrevTxid, Vout: in.PrevVout})
		}
		for vout, out := range tx.Outputs {
			for addr, script := range targets {
				if bytes.Equal(out.ScriptPubKey, script) {
					result.Matches = append(result.Matches, Match{Txid: txid, Vout: uint32(vout), Value: out.Value, Address: addr})
				}
			}
		}
	}
	return result, nil
}

// parseTx reads one transaction from r and returns it alongside its
// computed txid.
func parseTx(r *bytes.Reader) (*Tx, chainhash.Hash, error) {
	version, err := binc.ReadUint32LE(r)
	if err != nil {
		return nil, chainhash.Hash{}, err
	}

	markerFlag, err := binc.ReadBytes(r, 2)
	if err != nil {
		return nil, chainhash.Hash{}, err
	}

	var body io.Reader
	hasWitness := markerFlag[0] == 0x00 && markerFlag[1] == 0x01
	if hasWitness {
		body = r
	} else {
		// Not a segwit marker: those two bytes are the first two bytes
		// of the input-count varint. Splice them back in front.
		body = io.MultiReader(bytes.NewReader(markerFlag), r)
	}

	tx, err := parseTxBody(int32(version), hasWitness, body)
	if err != nil {
		return nil, chainhash.Hash{}, err
	}

	txid := computeTxid(tx)
	return tx, txid, nil
}

func parseTxBody(version int32, hasWitness bool, r io.Reader) (*Tx, error) {
	tx := &Tx{Version: version, HasWitness: hasWitness}

	inCount, _, err := binc.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	tx.Inputs = make([]TxInput, inCount)
	for i := range tx.Inputs {
		prevTxidRaw, err := binc.ReadBytes(r, 32)
		if err != nil {
			return nil, err
		}
		var prevTxid chainhash.Hash
		copy(prevTxid[:], prevTxidRaw)

		prevVout, err := binc.ReadUint32LE(r)
		if err != nil {
			return nil, err
		}
		scriptLen, _, err := binc.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		scriptSig, err := binc.ReadBytes(r, int(scriptLen))
		if err != nil {
			return nil, err
		}
		sequence, err := binc.ReadUint32LE(r)
		if err != nil {
			return nil, err
		}
		tx.Inputs[i] = TxInput{PrevTxid: prevTxid, PrevVout: prevVout, ScriptSig: scriptSig, Sequence: sequence}
	}

	outCount, _, err := binc.ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	tx.Outputs = make([]TxOutput, outCount)
	for i := range tx.Outputs {
		value, err := binc.ReadUint64LE(r)
		if err != nil {
			return nil, err
		}
		scriptLen, _, err := binc.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		script, err := binc.ReadBytes(r, int(scriptLen))
		if err != nil {
			return nil, err
		}
		tx.Outputs[i] = TxOutput{Value: value, ScriptPubKey: script}
	}

	if hasWitness {
		for i := uint64(0); i < uint64(len(tx.Inputs)); i++ {
			itemCount, _, err := binc.ReadVarInt(r)
			if err != nil {
				return nil, err
			}
			for j := uint64(0); j < itemCount; j++ {
				itemLen, _, err := binc.ReadVarInt(r)
				if err != nil {
					return nil, err
				}
				if err := binc.SkipBytes(r, itemLen); err != nil {
					return nil, err
				}
			}
		}
	}

	locktime, err := binc.ReadUint32LE(r)
	if err != nil {
		return nil, err
	}
	tx.Locktime = locktime

	return tx, nil
}

// computeTxid computes the segwit-stripped double-SHA-256 txid: for
// witness transactions, reserialize without the marker/flag/witness
// fields before hashing.
func computeTxid(tx *Tx) chainhash.Hash {
	return chainhash.DoubleHashH(serializeNonWitness(tx))
}

func serializeNonWitness(tx *Tx) []byte {
	var buf bytes.Buffer
	var b4 [4]byte
	putUint32LE(b4[:], uint32(tx.Version))
	buf.Write(b4[:])

	binc.WriteVarInt(&buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf.Write(in.PrevTxid[:])
		putUint32LE(b4[:], in.PrevVout)
		buf.Write(b4[:])
		binc.WriteVarInt(&buf, uint64(len(in.ScriptSig)))
		buf.Write(in.ScriptSig)
		putUint32LE(b4[:], in.Sequence)
		buf.Write(b4[:])
	}

	binc.WriteVarInt(&buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		var b8 [8]byte
		putUint64LE(b8[:], out.Value)
		buf.Write(b8[:])
		binc.WriteVarInt(&buf, uint64(len(out.ScriptPubKey)))
		buf.Write(out.ScriptPubKey)
	}

	putUint32LE(b4[:], tx.Locktime)
	buf.Write(b4[:])

	return buf.Bytes()
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
