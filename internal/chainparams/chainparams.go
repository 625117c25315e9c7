// Package chainparams holds the chain-specific constants the rest of the
// module is parameterized over, so the same code drives mainnet, signet,
// regtest, or any Bitcoin-derived chain with a longer header.
package chainparams

import "time"

// Params is the injectable set of chain parameters the rest of the module
// reads instead of hardcoding a single network.
type Params struct {
	Name string

	// Magic is the 4-byte network magic sent little-endian on the wire.
	Magic uint32

	DefaultP2PPort string

	// HeaderLength is the on-wire/on-disk size of a single block header
	// record. It must be >= 80; bytes beyond the first 80 are an opaque
	// chain-specific proof blob.
	HeaderLength int

	// GenesisHashHex is the display (big-endian) genesis hash.
	GenesisHashHex string

	PubKeyAddressPrefix byte
	ScriptAddressPrefix byte
	Bech32HRP           string
	CoinType            uint32

	// T1/T2 are the header-hash-rule cutover timestamps: headers timestamped
	// at or before T1 use RuleProofBlobOnly, at or before T2 use
	// RuleDoubleSHA, and anything later uses RuleSingleSHA.
	T1 uint32
	T2 uint32
}

// HeaderHashRule reports which of the three legacy hashing rules applies to
// a header with the given timestamp.
type HeaderHashRule int

const (
	// RuleProofBlobOnly: hash = single SHA-256 of the proof blob only.
	RuleProofBlobOnly HeaderHashRule = iota
	// RuleDoubleSHA: hash = double SHA-256 of the full serialized header.
	RuleDoubleSHA
	// RuleSingleSHA: hash = single SHA-256 of the full serialized header.
	RuleSingleSHA
)

// RuleFor returns the hashing rule that applies to a header with timestamp t.
func (p Params) RuleFor(t uint32) HeaderHashRule {
	switch {
	case t <= p.T1:
		return RuleProofBlobOnly
	case t <= p.T2:
		return RuleDoubleSHA
	default:
		return RuleSingleSHA
	}
}

// Mainnet are illustrative production parameters for a Bitcoin-style
// network. Its HeaderLength is the canonical 80 bytes; a chain whose headers
// carry a trailing proof extension sets a larger HeaderLength.
var Mainnet = Params{
	Name:                "mainnet",
	Magic:               0xd9b4bef9,
	DefaultP2PPort:      "8333",
	HeaderLength:        80,
	GenesisHashHex:      "0000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26",
	PubKeyAddressPrefix: 0x00,
	ScriptAddressPrefix: 0x05,
	Bech32HRP:           "bc",
	CoinType:            0,
	T1:                  0,
	T2:                  0,
}

var Signet = Params{
	Name:                "signet",
	Magic:               0x40cf030a,
	DefaultP2PPort:      "38333",
	HeaderLength:        80,
	GenesisHashHex:      "00000008819873e925422c1ff0f99f7cc9bbb232af63a077a480a3633bee1ef4",
	PubKeyAddressPrefix: 0x6f,
	ScriptAddressPrefix: 0xc4,
	Bech32HRP:           "tb",
	CoinType:            1,
	T1:                  0,
	T2:                  0,
}

var Regtest = Params{
	Name:                "regtest",
	Magic:               0xdab5bffa,
	DefaultP2PPort:      "18444",
	HeaderLength:        80,
	GenesisHashHex:      "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206",
	PubKeyAddressPrefix: 0x6f,
	ScriptAddressPrefix: 0xc4,
	Bech32HRP:           "bcrt",
	CoinType:            1,
	T1:                  0,
	T2:                  0,
}

// ByName resolves a chain name to its Params, as bound from the "chain"
// config key.
func ByName(name string) (Params, bool) {
	switch name {
	case "mainnet", "main":
		return Mainnet, true
	case "signet":
		return Signet, true
	case "regtest":
		return Regtest, true
	default:
		return Params{}, false
	}
}

// PingInterval, HandshakeTimeout etc. are protocol-level timing constants
// shared by the peer manager and sync state machines.
const (
	PingInterval            = 30 * time.Second
	HandshakeTimeout        = 10 * time.Second
	ReconnectBaseDelay      = 30 * time.Second
	ReconnectMaxDelay       = 30 * time.Second
	HeaderRequestThrottle   = 30 * time.Second
	HeaderSyncTimeout       = 5 * time.Minute
	FilterHeaderSyncTimeout = 2 * time.Minute
	BlockRequestTimeout     = 10 * time.Second
	MempoolVerifyTimeout    = 5 * time.Second
	BroadcastCacheTTL       = 5 * time.Minute
)
