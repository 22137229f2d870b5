package escrow

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/marketnet/market-node/internal/types"
	"github.com/marketnet/market-node/internal/wallet"
	log "github.com/sirupsen/logrus"
)

// Partial signing over a 2-of-2 multisig leaves the script interpreter short
// of keys; bitcoind reports that per input with one of these two messages.
// Anything else on the signing result is a real failure.
var toleratedSignErrors = []string{
	"Unable to sign input, invalid stack size (possibly missing key)",
	"Operation not valid with the current stack size",
}

// Party holds one side's funding contribution to the escrow transaction.
// PubKey is the compressed public key in hex; Outputs are the already
// selected and locked outputs.
type Party struct {
	PubKey        string
	Outputs       []types.PrevOutput
	ChangeAddress string
}

// FundingTx is the partially signed escrow funding transaction. Complete is
// always false here; the counterparty contributes the second signature in
// the next protocol round.
type FundingTx struct {
	EscrowAddress string
	RawTxHex      string
	EscrowAmount  int64
	BuyerChange   int64
	SellerChange  int64
}

// Builder assembles and partially signs 2-of-2 escrow funding transactions.
type Builder struct {
	wallet      wallet.Client
	net         *chaincfg.Params
	txFee       int64
	escrowRatio int64
}

func NewBuilder(w wallet.Client, net *chaincfg.Params, txFee, escrowRatio int64) *Builder {
	return &Builder{wallet: w, net: net, txFee: txFee, escrowRatio: escrowRatio}
}

// Build constructs the escrow funding transaction for one item purchase.
// itemTotal is basePrice plus the higher shipping price, in satoshi. The
// multisig output receives escrowRatio times itemTotal; each party's change
// is recomputed here from their locked outputs so buyer and seller assemble
// exactly the same transaction regardless of which side runs the builder.
//
// Parameters:
//   - buyer: the buyer's pubkey, locked outputs and change address. The
//     buyer commits 2 times itemTotal.
//   - seller: the seller's pubkey, locked outputs and change address. The
//     seller commits 1 times itemTotal.
//   - itemTotal: item base price plus the higher shipping price, satoshi.
//
// Returns the partially signed transaction, or ErrInsufficientFunds when
// either party's outputs cannot cover their commitment plus fee.
func (b *Builder) Build(buyer, seller Party, itemTotal int64) (*FundingTx, error) {
	escrowAddress, err := b.MultisigAddress(buyer.PubKey, seller.PubKey)
	if err != nil {
		return nil, err
	}

	buyerChange := sumOutputs(buyer.Outputs) - 2*itemTotal - b.txFee
	if buyerChange < 0 {
		return nil, types.ErrInsufficientFunds
	}
	sellerChange := sumOutputs(seller.Outputs) - itemTotal - b.txFee
	if sellerChange < 0 {
		return nil, types.ErrInsufficientFunds
	}
	escrowAmount := b.escrowRatio * itemTotal

	inputs := make([]btcjson.TransactionInput, 0, len(buyer.Outputs)+len(seller.Outputs))
	inputs, err = appendInputs(inputs, buyer.Outputs)
	if err != nil {
		return nil, err
	}
	inputs, err = appendInputs(inputs, seller.Outputs)
	if err != nil {
		return nil, err
	}

	amounts := map[string]int64{escrowAddress: escrowAmount}
	if sellerChange > 0 {
		amounts[seller.ChangeAddress] = sellerChange
	}
	if buyerChange > 0 {
		amounts[buyer.ChangeAddress] = buyerChange
	}

	rawTx, err := b.wallet.CreateRawTransaction(inputs, amounts)
	if err != nil {
		return nil, fmt.Errorf("create escrow transaction: %w", err)
	}
	signed, err := b.wallet.SignRawTransactionWithWallet(rawTx)
	if err != nil {
		return nil, fmt.Errorf("sign escrow transaction: %w", err)
	}
	// A complete signature set after one party signed means the wallet holds
	// both keys, which breaks the two-party escrow model.
	if signed.Complete {
		return nil, fmt.Errorf("escrow transaction fully signed by a single wallet")
	}
	for _, signErr := range signed.Errors {
		if !tolerated(signErr) {
			return nil, fmt.Errorf("sign escrow transaction: %s", signErr)
		}
	}

	serialized, err := types.SerializeTransaction(signed.Tx)
	if err != nil {
		return nil, err
	}
	log.Debugf("Built escrow funding tx to %s, escrow %d sat, buyer change %d, seller change %d",
		escrowAddress, escrowAmount, buyerChange, sellerChange)

	return &FundingTx{
		EscrowAddress: escrowAddress,
		RawTxHex:      hex.EncodeToString(serialized),
		EscrowAmount:  escrowAmount,
		BuyerChange:   buyerChange,
		SellerChange:  sellerChange,
	}, nil
}

// MultisigAddress derives the 2-of-2 P2SH address over the two compressed
// public keys, sorted, so both parties derive an identical address without
// coordinating.
func (b *Builder) MultisigAddress(pubKeyA, pubKeyB string) (string, error) {
	keys := []string{strings.ToLower(pubKeyA), strings.ToLower(pubKeyB)}
	sort.Strings(keys)

	addrPubKeys := make([]*btcutil.AddressPubKey, 0, 2)
	for _, k := range keys {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return "", &types.ValidationError{Field: "pubkey", Reason: "not hex"}
		}
		if _, err := btcec.ParsePubKey(raw); err != nil {
			return "", &types.ValidationError{Field: "pubkey", Reason: "not a valid public key"}
		}
		addrPubKey, err := btcutil.NewAddressPubKey(raw, b.net)
		if err != nil {
			return "", err
		}
		addrPubKeys = append(addrPubKeys, addrPubKey)
	}

	script, err := txscript.MultiSigScript(addrPubKeys, 2)
	if err != nil {
		return "", err
	}
	scriptAddr, err := btcutil.NewAddressScriptHash(script, b.net)
	if err != nil {
		return "", err
	}
	return scriptAddr.EncodeAddress(), nil
}

// appendInputs validates each outpoint before it becomes a transaction
// input. Outputs arrive over the wire from the counterparty, a malformed
// txid must fail here, not at the wallet.
func appendInputs(inputs []btcjson.TransactionInput, outputs []types.PrevOutput) ([]btcjson.TransactionInput, error) {
	for _, o := range outputs {
		if _, err := wallet.ParseOutpoint(o.Txid, o.Vout); err != nil {
			return nil, &types.ValidationError{Field: "outputs", Reason: fmt.Sprintf("invalid outpoint %s:%d", o.Txid, o.Vout)}
		}
		inputs = append(inputs, btcjson.TransactionInput{Txid: o.Txid, Vout: o.Vout})
	}
	return inputs, nil
}

func sumOutputs(outputs []types.PrevOutput) int64 {
	var sum int64
	for _, o := range outputs {
		sum += o.Amount
	}
	return sum
}

func tolerated(signErr string) bool {
	for _, known := range toleratedSignErrors {
		if strings.Contains(signErr, known) {
			return true
		}
	}
	return false
}
