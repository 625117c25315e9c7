package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func testP2WPKHScript(b byte) []byte {
	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	for i := 2; i < 22; i++ {
		script[i] = b
	}
	return script
}

func testUtxo(t *testing.T, value uint64, confirmed bool) Utxo {
	var txid chainhash.Hash
	txid[0] = byte(value)
	return Utxo{
		Txid: txid, Vout: 0, Value: value,
		ScriptPubKey: testP2WPKHScript(0xaa), Address: "addr",
		Confirmed: confirmed,
	}
}

func TestUtxoSpendableInvariant(t *testing.T) {
	confirmed := testUtxo(t, 1000, true)
	require.True(t, confirmed.Spendable())

	unconfirmed := testUtxo(t, 1000, false)
	require.False(t, unconfirmed.Spendable())

	frozen := testUtxo(t, 1000, true)
	frozen.Frozen = true
	require.False(t, frozen.Spendable())
}

func TestVSizeGrowsWithInputsAndOutputs(t *testing.T) {
	base := VSize(1, 1)
	moreInputs := VSize(2, 1)
	moreOutputs := VSize(1, 2)

	require.Greater(t, moreInputs, base)
	require.Greater(t, moreOutputs, base)
}

func TestBuildTransactionAutoSelectsAndAddsChange(t *testing.T) {
	utxos := []Utxo{
		testUtxo(t, 50000, true),
		testUtxo(t, 30000, true),
	}
	change := &fakeChangeSource{address: "change-addr", script: testP2WPKHScript(0xbb)}

	result, err := BuildTransaction(Params{
		Available:             utxos,
		RecipientScriptPubKey: testP2WPKHScript(0xcc),
		AmountSats:            10000,
		FeeRateSatPerVb:       1,
		Change:                change,
	})
	require.NoError(t, err)
	require.Len(t, result.Tx.Outputs, 2)
	require.Equal(t, uint64(10000), result.Tx.Outputs[0].Value)
	require.Greater(t, result.ChangeValue, uint64(0))
	require.Equal(t, "change-addr", result.ChangeAddress)
}

func TestBuildTransactionDropsDustChange(t *testing.T) {
	utxos := []Utxo{testUtxo(t, 10100, true)}
	fee := EstimateFee(1, 2, 1) // buildAuto estimates assuming a change output
	amount := 10100 - fee - 200 // leaves 200 sat of change, below Dust

	change := &fakeChangeSource{address: "change-addr", script: testP2WPKHScript(0xbb)}
	result, err := BuildTransaction(Params{
		Available:             utxos,
		RecipientScriptPubKey: testP2WPKHScript(0xcc),
		AmountSats:            amount,
		FeeRateSatPerVb:       1,
		Change:                change,
	})
	require.NoError(t, err)
	require.Len(t, result.Tx.Outputs, 1, "change below dust should not produce a change output")
}

func TestBuildTransactionSweepSubtractsFee(t *testing.T) {
	utxos := []Utxo{testUtxo(t, 50000, true), testUtxo(t, 20000, true)}

	result, err := BuildTransaction(Params{
		Available:             utxos,
		RecipientScriptPubKey: testP2WPKHScript(0xcc),
		FeeRateSatPerVb:       1,
		SubtractFeeFromAmount: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Tx.Outputs, 1)
	require.Equal(t, uint64(70000)-result.Fee, result.Tx.Outputs[0].Value)
	require.Nil(t, result.ChangeScript)
}

func TestBuildTransactionInsufficientFunds(t *testing.T) {
	utxos := []Utxo{testUtxo(t, 1000, true)}
	_, err := BuildTransaction(Params{
		Available:             utxos,
		RecipientScriptPubKey: testP2WPKHScript(0xcc),
		AmountSats:            100000,
		FeeRateSatPerVb:       1,
	})
	require.Error(t, err)
}

func TestBuildTransactionExplicitUtxosIgnoresUnlisted(t *testing.T) {
	explicit := []Utxo{testUtxo(t, 20000, true)}
	available := append([]Utxo{testUtxo(t, 500000, true)}, explicit...)

	change := &fakeChangeSource{address: "change-addr", script: testP2WPKHScript(0xbb)}
	result, err := BuildTransaction(Params{
		Available:             available,
		Explicit:              explicit,
		RecipientScriptPubKey: testP2WPKHScript(0xcc),
		AmountSats:            1000,
		FeeRateSatPerVb:       1,
		Change:                change,
	})
	require.NoError(t, err)
	require.Len(t, result.UsedUtxos, 1)
	require.Equal(t, explicit[0].Txid, result.UsedUtxos[0].Txid)
}

func TestSequenceForRBF(t *testing.T) {
	require.Equal(t, SequenceRBF, sequenceFor(Params{EnableRBF: true}))
	require.Equal(t, SequenceFinal, sequenceFor(Params{EnableRBF: false}))
}

func TestSerializeNonWitnessIsDeterministic(t *testing.T) {
	tx := &Tx{
		Version: 2,
		Inputs: []Input{{
			PrevTxid: chainhash.Hash{1, 2, 3}, PrevVout: 0, Sequence: SequenceFinal,
			Value: 1000, PubKeyHash: make([]byte, 20),
		}},
		Outputs: []Output{{Value: 900, Script: testP2WPKHScript(0xdd)}},
	}
	a := tx.SerializeNonWitness()
	b := tx.SerializeNonWitness()
	require.Equal(t, a, b)

	txid1 := tx.Txid()
	txid2 := tx.Txid()
	require.Equal(t, txid1, txid2)
}

type fakeChangeSource struct {
	address string
	script  []byte
}

func (f *fakeChangeSource) NextChangeOutput() (string, []byte, error) {
	return f.address, f.script, nil
}
