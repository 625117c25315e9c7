// Package addrs implements the address codec: legacy P2PKH, nested
// P2SH-segwit, native P2WPKH, and Taproot P2TR, plus the address->script
// inverse. Base58Check, Bech32/Bech32m, and script templates are all
// delegated to github.com/btcsuite/btcd/btcutil and
// github.com/btcsuite/btcd/txscript rather than re-implemented by hand.
package addrs

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/shailight/walletcore/internal/chainparams"
)

// Type enumerates the supported address kinds.
type Type int

const (
	Legacy Type = iota
	NestedSegWit
	NativeSegWit
	Taproot
)

// netParams adapts our injectable chainparams.Params to the subset of
// *chaincfg.Params that btcutil's address constructors need.
func netParams(p chainparams.Params) *chaincfg.Params {
	return &chaincfg.Params{
		Name:             p.Name,
		PubKeyHashAddrID: p.PubKeyAddressPrefix,
		ScriptHashAddrID: p.ScriptAddressPrefix,
		Bech32HRPSegwit:  p.Bech32HRP,
	}
}

// DeriveAddress builds the address string for pubKey under the given type.
func DeriveAddress(pubKey *btcec.PublicKey, t Type, p chainparams.Params) (string, error) {
	net := netParams(p)
	compressed := pubKey.SerializeCompressed()
	pkHash := btcutil.Hash160(compressed)

	switch t {
	case Legacy:
		addr, err := btcutil.NewAddressPubKeyHash(pkHash, net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil

	case NestedSegWit:
		witnessProgram, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, net)
		if err != nil {
			return "", err
		}
		redeemScript, err := txscript.PayToAddrScript(witnessProgram)
		if err != nil {
			return "", err
		}
		scriptHash := btcutil.Hash160(redeemScript)
		addr, err := btcutil.NewAddressScriptHashFromHash(scriptHash, net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil

	case NativeSegWit:
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil

	case Taproot:
		outputKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		addr, err := btcutil.NewAddressTaproot(
			outputKey.SerializeCompressed()[1:], net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil

	default:
		return "", fmt.Errorf("addrs: unknown address type %d", t)
	}
}

// AddressToScript decodes addr and emits the matching output script, the
// inverse of DeriveAddress.
func AddressToScript(addrStr string, p chainparams.Params) ([]byte, error) {
	net := netParams(p)
	addr, err := btcutil.DecodeAddress(addrStr, net)
	if err != nil {
		return nil, fmt.Errorf("addrs: decode %q: %w", addrStr, err)
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("addrs: %q is not valid for %s", addrStr, p.Name)
	}
	return txscript.PayToAddrScript(addr)
}

// ScriptToAddress recognizes script and re-derives its address string.
func ScriptToAddress(script []byte, p chainparams.Params) (string, error) {
	net := netParams(p)
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, net)
	if err != nil {
		return "", err
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("addrs: script does not resolve to exactly one address")
	}
	return addrs[0].EncodeAddress(), nil
}
