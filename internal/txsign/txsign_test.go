package txsign

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/shailight/walletcore/internal/txbuilder"
)

type fakeKeySource struct {
	priv   *btcec.PrivateKey
	script []byte
}

func (f *fakeKeySource) PrivateKeyForScript(script []byte) (*btcec.PrivateKey, error) {
	return f.priv, nil
}

func buildTestTx(t *testing.T, priv *btcec.PrivateKey) (*txbuilder.Tx, [][]byte) {
	// SignTransaction never recomputes PubKeyHash from the pubkey — it
	// trusts the caller's coin-selection step got the scriptPubKey right —
	// so any fixed 20-byte value exercises the signing path.
	pkHash := make([]byte, 20)
	for i := range pkHash {
		pkHash[i] = byte(i + 1)
	}

	tx := &txbuilder.Tx{
		Version: 2,
		Inputs: []txbuilder.Input{{
			PrevTxid: chainhash.Hash{9, 9, 9}, PrevVout: 0,
			Sequence: txbuilder.SequenceFinal, Value: 100000, PubKeyHash: pkHash,
		}},
		Outputs:  []txbuilder.Output{{Value: 90000, Script: make([]byte, 22)}},
		Locktime: 0,
	}
	prevScript := append([]byte{0x00, 0x14}, pkHash...)
	return tx, [][]byte{prevScript}
}

func TestSignTransactionProducesVerifiableSignature(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	tx, prevScripts := buildTestTx(t, priv)
	keys := &fakeKeySource{priv: priv}

	err = SignTransaction(tx, prevScripts, keys)
	require.NoError(t, err)

	require.Len(t, tx.Inputs[0].Witness, 2)
	sigWithType := tx.Inputs[0].Witness[0]
	require.Equal(t, byte(SighashAll), sigWithType[len(sigWithType)-1])
	require.Equal(t, priv.PubKey().SerializeCompressed(), tx.Inputs[0].Witness[1])
}

func TestSignTransactionIsDeterministic(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	tx1, prevScripts1 := buildTestTx(t, priv)
	tx2, prevScripts2 := buildTestTx(t, priv)

	require.NoError(t, SignTransaction(tx1, prevScripts1, &fakeKeySource{priv: priv}))
	require.NoError(t, SignTransaction(tx2, prevScripts2, &fakeKeySource{priv: priv}))

	require.Equal(t, tx1.Inputs[0].Witness[0], tx2.Inputs[0].Witness[0], "RFC6979 signing must be deterministic")
}

func TestSignTransactionRejectsMismatchedPrevScriptCount(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tx, _ := buildTestTx(t, priv)

	err = SignTransaction(tx, nil, &fakeKeySource{priv: priv})
	require.Error(t, err)
}

func TestP2PKHScriptShape(t *testing.T) {
	pkh := make([]byte, 20)
	script := p2pkhScript(pkh)
	require.Len(t, script, 25)
	require.Equal(t, byte(0x76), script[0])
	require.Equal(t, byte(0xa9), script[1])
	require.Equal(t, byte(0x14), script[2])
	require.Equal(t, byte(0x88), script[23])
	require.Equal(t, byte(0xac), script[24])
}
