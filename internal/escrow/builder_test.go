package escrow_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/marketnet/market-node/internal/escrow"
	"github.com/marketnet/market-node/internal/types"
	"github.com/marketnet/market-node/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const coin = int64(1e8)

// Two valid compressed secp256k1 public keys (generator point and 2G).
const (
	pubKeyA = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	pubKeyB = "02c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
)

type fakeSigner struct {
	lastInputs  []btcjson.TransactionInput
	lastAmounts map[string]int64
	complete    bool
	signErrors  []string
}

func (f *fakeSigner) ListUnspent() ([]wallet.UnspentOutput, error)  { return nil, nil }
func (f *fakeSigner) GetNewAddress(label string) (string, error)    { return "addr-" + label, nil }
func (f *fakeSigner) PubKeyForAddress(addr string) (string, error)  { return pubKeyA, nil }
func (f *fakeSigner) SendToAddress(a string, n int64) (string, error) { return "txid", nil }

func (f *fakeSigner) CreateRawTransaction(inputs []btcjson.TransactionInput, amounts map[string]int64) (*wire.MsgTx, error) {
	f.lastInputs = inputs
	f.lastAmounts = amounts
	return wire.NewMsgTx(wire.TxVersion), nil
}

func (f *fakeSigner) SignRawTransactionWithWallet(tx *wire.MsgTx) (*wallet.SignResult, error) {
	return &wallet.SignResult{Tx: tx, Complete: f.complete, Errors: f.signErrors}, nil
}

func outputs(amounts ...int64) []types.PrevOutput {
	outs := make([]types.PrevOutput, len(amounts))
	for i, a := range amounts {
		outs[i] = types.PrevOutput{Txid: "aa", Vout: uint32(i), Amount: a}
	}
	return outs
}

func TestBuildEscrowAmounts(t *testing.T) {
	fee := int64(10_000)
	fw := &fakeSigner{signErrors: []string{"Unable to sign input, invalid stack size (possibly missing key)"}}
	builder := escrow.NewBuilder(fw, &chaincfg.RegressionNetParams, fee, 3)

	// itemTotal 1.1 coin: buyer commits 2.2+fee over [1.5,1.5], seller
	// commits 1.1+fee exactly.
	itemTotal := 11 * coin / 10
	buyer := escrow.Party{
		PubKey:        pubKeyA,
		Outputs:       outputs(15*coin/10, 15*coin/10),
		ChangeAddress: "buyer-change",
	}
	seller := escrow.Party{
		PubKey:        pubKeyB,
		Outputs:       outputs(itemTotal + fee),
		ChangeAddress: "seller-change",
	}

	tx, err := builder.Build(buyer, seller, itemTotal)
	require.NoError(t, err)

	assert.Equal(t, 33*coin/10, tx.EscrowAmount)
	assert.Equal(t, 3*coin-2*itemTotal-fee, tx.BuyerChange)
	assert.Equal(t, int64(0), tx.SellerChange)

	require.Len(t, fw.lastInputs, 3, "buyer inputs then seller inputs")
	assert.Equal(t, tx.EscrowAmount, fw.lastAmounts[tx.EscrowAddress])
	assert.Equal(t, tx.BuyerChange, fw.lastAmounts["buyer-change"])
	_, hasSellerChange := fw.lastAmounts["seller-change"]
	assert.False(t, hasSellerChange, "zero change must not produce an output")
}

func TestBuildSellerInsufficientFunds(t *testing.T) {
	fee := int64(10_000)
	builder := escrow.NewBuilder(&fakeSigner{}, &chaincfg.RegressionNetParams, fee, 3)

	itemTotal := 11 * coin / 10
	buyer := escrow.Party{PubKey: pubKeyA, Outputs: outputs(3 * coin), ChangeAddress: "bc"}
	seller := escrow.Party{PubKey: pubKeyB, Outputs: outputs(itemTotal), ChangeAddress: "sc"}

	_, err := builder.Build(buyer, seller, itemTotal)
	assert.ErrorIs(t, err, types.ErrInsufficientFunds, "seller short of itemTotal+fee")
}

func TestBuildBuyerInsufficientFunds(t *testing.T) {
	builder := escrow.NewBuilder(&fakeSigner{}, &chaincfg.RegressionNetParams, 10_000, 3)

	buyer := escrow.Party{PubKey: pubKeyA, Outputs: outputs(2 * coin), ChangeAddress: "bc"}
	seller := escrow.Party{PubKey: pubKeyB, Outputs: outputs(2 * coin), ChangeAddress: "sc"}

	_, err := builder.Build(buyer, seller, coin+1)
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)
}

func TestBuildRejectsMalformedOutpoint(t *testing.T) {
	fw := &fakeSigner{}
	builder := escrow.NewBuilder(fw, &chaincfg.RegressionNetParams, 0, 3)

	buyer := escrow.Party{
		PubKey:        pubKeyA,
		Outputs:       []types.PrevOutput{{Txid: "not a txid", Vout: 0, Amount: 2 * coin}},
		ChangeAddress: "bc",
	}
	seller := escrow.Party{PubKey: pubKeyB, Outputs: outputs(coin), ChangeAddress: "sc"}

	_, err := builder.Build(buyer, seller, coin)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Nil(t, fw.lastInputs, "nothing reached the wallet")
}

func TestBuildRejectsCompleteSignature(t *testing.T) {
	fw := &fakeSigner{complete: true}
	builder := escrow.NewBuilder(fw, &chaincfg.RegressionNetParams, 0, 3)

	buyer := escrow.Party{PubKey: pubKeyA, Outputs: outputs(2 * coin), ChangeAddress: "bc"}
	seller := escrow.Party{PubKey: pubKeyB, Outputs: outputs(coin), ChangeAddress: "sc"}

	_, err := builder.Build(buyer, seller, coin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fully signed")
}

func TestBuildRejectsUnknownSignError(t *testing.T) {
	fw := &fakeSigner{signErrors: []string{"Input not found or already spent"}}
	builder := escrow.NewBuilder(fw, &chaincfg.RegressionNetParams, 0, 3)

	buyer := escrow.Party{PubKey: pubKeyA, Outputs: outputs(2 * coin), ChangeAddress: "bc"}
	seller := escrow.Party{PubKey: pubKeyB, Outputs: outputs(coin), ChangeAddress: "sc"}

	_, err := builder.Build(buyer, seller, coin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already spent")
}

func TestMultisigAddressOrderIndependent(t *testing.T) {
	builder := escrow.NewBuilder(&fakeSigner{}, &chaincfg.RegressionNetParams, 0, 3)

	ab, err := builder.MultisigAddress(pubKeyA, pubKeyB)
	require.NoError(t, err)
	ba, err := builder.MultisigAddress(pubKeyB, pubKeyA)
	require.NoError(t, err)
	assert.Equal(t, ab, ba, "both parties must derive the same escrow address")
}

func TestMultisigAddressRejectsBadKey(t *testing.T) {
	builder := escrow.NewBuilder(&fakeSigner{}, &chaincfg.RegressionNetParams, 0, 3)

	_, err := builder.MultisigAddress(pubKeyA, "zz not hex")
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}
