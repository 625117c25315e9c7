// Package keys implements BIP32/BIP44 hierarchical deterministic
// derivation, delegating the master-node and child-key math to
// github.com/btcsuite/btcd/btcutil/hdkeychain rather than hand-rolling
// HMAC-SHA512 child derivation.
package keys

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/shailight/walletcore/internal/chainparams"
)

// Chain selects the BIP44 receive/change branch.
type Chain uint32

const (
	ReceiveChain Chain = 0
	ChangeChain  Chain = 1
)

// Hardened BIP32 index constants for the standard BIP44 path
// m/44'/coin_type'/account'/chain/index.
const (
	purpose44 = 44 + hdkeychain.HardenedKeyStart
)

// HDWallet wraps a BIP32 master extended key. The zero value is
// "Uninitialized"; use NewFromSeed to construct one.
type HDWallet struct {
	master *hdkeychain.ExtendedKey
	params chainparams.Params
}

// NewFromSeed derives the master node via HMAC-SHA-512 (inside
// hdkeychain.NewMaster) from a BIP39 seed.
func NewFromSeed(seed []byte, params chainparams.Params) (*HDWallet, error) {
	net := &chaincfg.Params{Name: params.Name, HDPrivateKeyID: [4]byte{0x04, 0x88, 0xad, 0xe4}}
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, err
	}
	return &HDWallet{master: master, params: params}, nil
}

// AccountKey derives m/44'/coin_type'/account' for the wallet's chain.
func (w *HDWallet) AccountKey(account uint32) (*hdkeychain.ExtendedKey, error) {
	purpose, err := w.master.Derive(purpose44)
	if err != nil {
		return nil, err
	}
	coinType, err := purpose.Derive(w.params.CoinType + hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, err
	}
	return coinType.Derive(account + hdkeychain.HardenedKeyStart)
}

// DerivePublicKey derives m/44'/coin_type'/account'/chain/index and returns
// its public key, for address generation (no private key exposure needed
// for scan script sets).
func (w *HDWallet) DerivePublicKey(account uint32, chain Chain, index uint32) (*btcec.PublicKey, error) {
	key, err := w.derive(account, chain, index)
	if err != nil {
		return nil, err
	}
	return key.ECPubKey()
}

// DerivePrivateKey derives the same path and returns the private key, used
// when signing.
func (w *HDWallet) DerivePrivateKey(account uint32, chain Chain, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.derive(account, chain, index)
	if err != nil {
		return nil, err
	}
	return key.ECPrivKey()
}

func (w *HDWallet) derive(account uint32, chain Chain, index uint32) (*hdkeychain.ExtendedKey, error) {
	acctKey, err := w.AccountKey(account)
	if err != nil {
		return nil, err
	}
	chainKey, err := acctKey.Derive(uint32(chain))
	if err != nil {
		return nil, err
	}
	return chainKey.Derive(index)
}
