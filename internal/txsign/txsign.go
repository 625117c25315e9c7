// Package txsign implements the BIP143 segwit signature hash and ECDSA
// signing. ECDSA signing/verification is delegated to
// github.com/btcsuite/btcd/btcec/v2/ecdsa, which is RFC6979-deterministic
// and low-S by construction — the same curve package internal/keys already
// uses for BIP32 — rather than hand-rolling nonce generation and DER
// encoding.
package txsign

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/shailight/walletcore/internal/txbuilder"
)

// SighashAll is the only sighash type this package signs with.
const SighashAll = 0x01

// KeySource resolves the private key that spends a given prevout
// scriptPubKey. The wallet repository implements this against its HD
// wallet and address cursor.
type KeySource interface {
	PrivateKeyForScript(scriptPubKey []byte) (*btcec.PrivateKey, error)
}

// PrevOut carries the spent output's scriptPubKey, since BIP143 step 4
// (scriptCode) and signing both need it but Input only stores the 20-byte
// hash.
type PrevOut struct {
	ScriptPubKey []byte
}

// SignTransaction computes the BIP143 sighash for every input of tx (all
// assumed P2WPKH), signs it with the matching key from keys, verifies the
// signature, and fills in each Input's Witness stack. prevScripts must be
// in the same order as tx.Inputs.
func SignTransaction(tx *txbuilder.Tx, prevScripts [][]byte, keys KeySource) error {
	if len(prevScripts) != len(tx.Inputs) {
		return fmt.Errorf("txsign: prevScripts length %d != input count %d", len(prevScripts), len(tx.Inputs))
	}

	hashPrevouts := hashPrevouts(tx)
	hashSequence := hashSequence(tx)
	hashOutputs := hashOutputs(tx)

	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		scriptCode := p2pkhScript(in.PubKeyHash)

		preimage := buildPreimage(tx, i, hashPrevouts, hashSequence, hashOutputs, scriptCode, in.Value, in.Sequence)
		sighash := chainhash.DoubleHashB(preimage)

		priv, err := keys.PrivateKeyForScript(prevScripts[i])
		if err != nil {
			return fmt.Errorf("txsign: input %d: %w", i, err)
		}

		sig := ecdsa.Sign(priv, sighash)
		if !sig.Verify(sighash, priv.PubKey()) {
			return fmt.Errorf("txsign: input %d: signature failed post-sign verification", i)
		}

		sigBytes := append(sig.Serialize(), SighashAll)
		pubKeyBytes := priv.PubKey().SerializeCompressed()
		in.Witness = [][]byte{sigBytes, pubKeyBytes}
	}
	return nil
}

// p2pkhScript builds 0x76 0xa9 0x14 <20 bytes> 0x88 0xac, the scriptCode a
// P2WPKH input signs against.
func p2pkhScript(pubKeyHash []byte) []byte {
	out := make([]byte, 0, 25)
	out = append(out, 0x76, 0xa9, 0x14)
	out = append(out, pubKeyHash...)
	out = append(out, 0x88, 0xac)
	return out
}

func hashPrevouts(tx *txbuilder.Tx) []byte {
	var buf []byte
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevTxid[:]...)
		buf = appendUint32LE(buf, in.PrevVout)
	}
	return chainhash.DoubleHashB(buf)
}

func hashSequence(tx *txbuilder.Tx) []byte {
	var buf []byte
	for _, in := range tx.Inputs {
		buf = appendUint32LE(buf, in.Sequence)
	}
	return chainhash.DoubleHashB(buf)
}

func hashOutputs(tx *txbuilder.Tx) []byte {
	var buf []byte
	for _, out := range tx.Outputs {
		buf = appendUint64LE(buf, out.Value)
		buf = appendVarInt(buf, uint64(len(out.Script)))
		buf = append(buf, out.Script...)
	}
	return chainhash.DoubleHashB(buf)
}

// buildPreimage assembles the BIP143 sighash preimage.
func buildPreimage(tx *txbuilder.Tx, inputIndex int, hashPrevouts, hashSequence, hashOutputs, scriptCode []byte, value uint64, sequence uint32) []byte {
	in := tx.Inputs[inputIndex]

	var buf []byte
	buf = appendUint32LE(buf, uint32(tx.Version))
	buf = append(buf, hashPrevouts...)
	buf = append(buf, hashSequence...)
	buf = append(buf, in.PrevTxid[:]...)
	buf = appendUint32LE(buf, in.PrevVout)
	buf = appendVarInt(buf, uint64(len(scriptCode)))
	buf = append(buf, scriptCode...)
	buf = appendUint64LE(buf, value)
	buf = appendUint32LE(buf, sequence)
	buf = append(buf, hashOutputs...)
	buf = appendUint32LE(buf, tx.Locktime)
	buf = appendUint32LE(buf, SighashAll)
	return buf
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
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		return append(buf, 0xfd, byte(v), byte(v>>8))
	case v <= 0xffffffff:
		return append(buf, 0xfe, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	default:
		b := append(buf, 0xff)
		return appendUint64LE(b, v)
	}
}
