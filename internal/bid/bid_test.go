package bid_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/marketnet/market-node/internal/bid"
	"github.com/marketnet/market-node/internal/config"
	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/escrow"
	"github.com/marketnet/market-node/internal/state"
	"github.com/marketnet/market-node/internal/types"
	"github.com/marketnet/market-node/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	coin = int64(1e8)
	fee  = int64(10_000)

	buyerAddr  = "bc1qbuyer"
	sellerAddr = "bc1qseller"

	buyerPubKey  = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	sellerPubKey = "02c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
)

type fakeWallet struct {
	utxos   []wallet.UnspentOutput
	addrSeq int
}

func (f *fakeWallet) ListUnspent() ([]wallet.UnspentOutput, error) { return f.utxos, nil }

func (f *fakeWallet) GetNewAddress(label string) (string, error) {
	f.addrSeq++
	return fmt.Sprintf("addr-%s-%d", label, f.addrSeq), nil
}

func (f *fakeWallet) PubKeyForAddress(address string) (string, error) { return sellerPubKey, nil }

func (f *fakeWallet) CreateRawTransaction(inputs []btcjson.TransactionInput, amounts map[string]int64) (*wire.MsgTx, error) {
	return wire.NewMsgTx(wire.TxVersion), nil
}

func (f *fakeWallet) SignRawTransactionWithWallet(tx *wire.MsgTx) (*wallet.SignResult, error) {
	return &wallet.SignResult{
		Tx:       tx,
		Complete: false,
		Errors:   []string{"Unable to sign input, invalid stack size (possibly missing key)"},
	}, nil
}

func (f *fakeWallet) SendToAddress(address string, amount int64) (string, error) { return "txid", nil }

type fakeTransport struct {
	sent []*types.MarketMessage
}

func (f *fakeTransport) Send(ctx context.Context, msg *types.MarketMessage) (*types.SendResult, error) {
	f.sent = append(f.sent, msg)
	return &types.SendResult{Result: "Sent.", MsgID: msg.MsgID}, nil
}

type fixture struct {
	state     *state.State
	wallet    *fakeWallet
	transport *fakeTransport
	engine    *bid.Engine
}

func newFixture(t *testing.T, nodeAddress string, utxoAmounts ...int64) *fixture {
	t.Setenv("DB_DIR", t.TempDir())
	t.Setenv("NODE_ADDRESS", nodeAddress)
	config.InitConfig()

	fw := &fakeWallet{}
	for i, a := range utxoAmounts {
		fw.utxos = append(fw.utxos, wallet.UnspentOutput{
			Txid: fmt.Sprintf("ab%02d", i), Vout: uint32(i), Amount: a,
			Spendable: true, Solvable: true, Safe: true,
		})
	}

	st := state.InitializeState(db.NewDatabaseManager())
	selector := wallet.NewSelector(fw, fee)
	builder := escrow.NewBuilder(fw, &chaincfg.RegressionNetParams, fee, 3)
	transport := &fakeTransport{}
	engine := bid.NewEngine(st, fw, selector, builder, transport, nodeAddress, 2)
	return &fixture{state: st, wallet: fw, transport: transport, engine: engine}
}

func (fx *fixture) listing(t *testing.T) *db.ListingItem {
	item := &db.ListingItem{
		Hash:                       "listing-hash",
		Seller:                     sellerAddr,
		BasePrice:                  coin,
		DomesticShippingPrice:      5 * coin / 100,
		InternationalShippingPrice: 10 * coin / 100,
	}
	require.NoError(t, fx.state.SaveListingItem(item))
	return item
}

func buyerBidPayload() types.BidPayload {
	return types.BidPayload{
		ListingHash: "listing-hash",
		Outputs: []types.PrevOutput{
			{Txid: "beef", Vout: 0, Amount: 15 * coin / 10},
			{Txid: "beef", Vout: 1, Amount: 15 * coin / 10},
		},
		PubKey:         buyerPubKey,
		ChangeAddress:  "buyer-change",
		ReleaseAddress: "buyer-release",
	}
}

func TestSendBid(t *testing.T) {
	// Item total 1.1: buyer must fund 2.2 plus fee over two 1.5 outputs.
	fx := newFixture(t, buyerAddr, 15*coin/10, 15*coin/10)
	fx.listing(t)

	record, err := fx.engine.Send(context.Background(), "listing-hash", types.ShippingAddress{City: "Oslo"}, nil)
	require.NoError(t, err)

	assert.Equal(t, db.BID_ACTION_BID, record.Action)
	assert.Equal(t, buyerAddr, record.Bidder)
	assert.Equal(t, 3*coin-22*coin/10-fee, record.BuyerChangeAmount)

	locked, err := fx.state.GetLockedOutputs(record.ID)
	require.NoError(t, err)
	assert.Len(t, locked, 2)

	require.Len(t, fx.transport.sent, 1)
	msg := fx.transport.sent[0]
	assert.Equal(t, types.ActionBid, msg.Action)
	assert.Equal(t, sellerAddr, msg.Receiver)
	assert.Equal(t, buyerAddr, msg.Sender)
}

func TestSendBidListingWithoutPrice(t *testing.T) {
	fx := newFixture(t, buyerAddr, 3*coin)
	require.NoError(t, fx.state.SaveListingItem(&db.ListingItem{Hash: "free", Seller: sellerAddr}))

	_, err := fx.engine.Send(context.Background(), "free", types.ShippingAddress{}, nil)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, fx.transport.sent)
}

func TestSendBidUnknownListing(t *testing.T) {
	fx := newFixture(t, buyerAddr, 3*coin)

	_, err := fx.engine.Send(context.Background(), "nope", types.ShippingAddress{}, nil)
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSendBidInsufficientFunds(t *testing.T) {
	fx := newFixture(t, buyerAddr, coin)
	fx.listing(t)

	_, err := fx.engine.Send(context.Background(), "listing-hash", types.ShippingAddress{}, nil)
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)
	assert.Empty(t, fx.transport.sent)
}

func TestAcceptBid(t *testing.T) {
	// Seller funds exactly itemTotal+fee; escrow output is 3x itemTotal.
	itemTotal := 11 * coin / 10
	fx := newFixture(t, sellerAddr, itemTotal+fee)
	item := fx.listing(t)

	require.NoError(t, fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload()))
	record, err := fx.state.GetActiveBid(item.ID, buyerAddr)
	require.NoError(t, err)

	updated, err := fx.engine.Accept(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BID_ACTION_ACCEPT, updated.Action)
	assert.NotEmpty(t, updated.RawTxHex)

	o, err := fx.state.GetOrderByBid(record.ID)
	require.NoError(t, err)
	expectedHash := types.HashOrder("listing-hash", buyerAddr, sellerAddr, itemTotal)
	assert.Equal(t, expectedHash, o.Hash)

	items, err := fx.state.GetOrderItems(o.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, db.ORDER_ITEM_STATUS_AWAITING_ESCROW, items[0].Status)

	locked, err := fx.state.GetLockedOutputs(record.ID)
	require.NoError(t, err)
	assert.Len(t, locked, 1, "seller funding output locked")

	require.Len(t, fx.transport.sent, 1)
	msg := fx.transport.sent[0]
	assert.Equal(t, types.ActionAccept, msg.Action)
	assert.Equal(t, buyerAddr, msg.Receiver)
}

func TestAcceptBidSellerShortOfFunds(t *testing.T) {
	// Seller outputs sum below itemTotal+fee.
	itemTotal := 11 * coin / 10
	fx := newFixture(t, sellerAddr, itemTotal)
	item := fx.listing(t)

	require.NoError(t, fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload()))
	record, err := fx.state.GetActiveBid(item.ID, buyerAddr)
	require.NoError(t, err)

	_, err = fx.engine.Accept(context.Background(), record.ID)
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)
	assert.Empty(t, fx.transport.sent)
}

func TestAcceptBidBuyerUnderfunded(t *testing.T) {
	itemTotal := 11 * coin / 10
	fx := newFixture(t, sellerAddr, 2*coin)
	item := fx.listing(t)

	payload := buyerBidPayload()
	payload.Outputs = []types.PrevOutput{{Txid: "beef", Vout: 0, Amount: itemTotal}}
	require.NoError(t, fx.engine.ProcessBidReceived(context.Background(), buyerAddr, payload))
	record, err := fx.state.GetActiveBid(item.ID, buyerAddr)
	require.NoError(t, err)

	_, err = fx.engine.Accept(context.Background(), record.ID)
	assert.ErrorIs(t, err, types.ErrInsufficientFunds, "buyer committed less than 2x item total")
}

func TestCancelBid(t *testing.T) {
	fx := newFixture(t, buyerAddr, 3*coin)
	fx.listing(t)

	record, err := fx.engine.Send(context.Background(), "listing-hash", types.ShippingAddress{}, nil)
	require.NoError(t, err)

	require.NoError(t, fx.engine.Cancel(context.Background(), record.ID))

	got, err := fx.state.GetBid(record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BID_ACTION_CANCEL, got.Action)

	locked, err := fx.state.GetLockedOutputs(record.ID)
	require.NoError(t, err)
	assert.Empty(t, locked, "cancel releases the funding locks")

	// Cancelling again hits the precondition guard.
	err = fx.engine.Cancel(context.Background(), record.ID)
	var conflict *types.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Error(), "already been cancelled")
}

func TestProcessBidReceivedDuplicate(t *testing.T) {
	fx := newFixture(t, sellerAddr)
	fx.listing(t)

	require.NoError(t, fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload()))

	err := fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload())
	var conflict *types.StateConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestProcessBidReceivedDuplicateAfterAccept(t *testing.T) {
	// The first bid was accepted, the trade is in escrow. A fresh MPA_BID
	// from the same buyer must not open a parallel negotiation thread.
	itemTotal := 11 * coin / 10
	fx := newFixture(t, sellerAddr, itemTotal+fee)
	item := fx.listing(t)

	require.NoError(t, fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload()))
	record, err := fx.state.GetActiveBid(item.ID, buyerAddr)
	require.NoError(t, err)
	_, err = fx.engine.Accept(context.Background(), record.ID)
	require.NoError(t, err)

	err = fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload())
	var conflict *types.StateConflictError
	require.ErrorAs(t, err, &conflict)

	open, err := fx.state.GetBidsByAction(db.BID_ACTION_BID)
	require.NoError(t, err)
	assert.Empty(t, open, "no second bid row created")
}

func TestRefundOrder(t *testing.T) {
	itemTotal := 11 * coin / 10
	fx := newFixture(t, sellerAddr, itemTotal+fee)
	item := fx.listing(t)

	require.NoError(t, fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload()))
	record, err := fx.state.GetActiveBid(item.ID, buyerAddr)
	require.NoError(t, err)
	_, err = fx.engine.Accept(context.Background(), record.ID)
	require.NoError(t, err)

	require.NoError(t, fx.engine.Refund(context.Background(), record.ID))

	o, err := fx.state.GetOrderByBid(record.ID)
	require.NoError(t, err)
	items, err := fx.state.GetOrderItems(o.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, db.ORDER_ITEM_STATUS_REFUNDED, items[0].Status)

	locked, err := fx.state.GetLockedOutputs(record.ID)
	require.NoError(t, err)
	assert.Empty(t, locked)

	// Refunding twice hits the status gate.
	err = fx.engine.Refund(context.Background(), record.ID)
	var conflict *types.StateConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestProcessBidReceivedListingUnknown(t *testing.T) {
	fx := newFixture(t, sellerAddr)

	err := fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload())
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf, "absence may be propagation delay, router parks the message")
}

func TestProcessAcceptReceived(t *testing.T) {
	fx := newFixture(t, buyerAddr, 3*coin)
	item := fx.listing(t)

	record, err := fx.engine.Send(context.Background(), "listing-hash", types.ShippingAddress{}, nil)
	require.NoError(t, err)

	itemTotal := int64(11 * coin / 10)
	payload := types.AcceptPayload{
		ListingHash:         "listing-hash",
		Bidder:              buyerAddr,
		SellerOutputs:       []types.PrevOutput{{Txid: "cafe", Vout: 0, Amount: itemTotal + fee}},
		SellerPubKey:        sellerPubKey,
		SellerChangeAddress: "seller-change",
		RawTxHex:            "00",
		OrderHash:           types.HashOrder(item.Hash, buyerAddr, sellerAddr, itemTotal),
	}
	require.NoError(t, fx.engine.ProcessAcceptReceived(context.Background(), sellerAddr, payload))

	got, err := fx.state.GetBid(record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BID_ACTION_ACCEPT, got.Action)

	o, err := fx.state.GetOrderByBid(record.ID)
	require.NoError(t, err)
	assert.Equal(t, payload.OrderHash, o.Hash)
}

func TestProcessAcceptReceivedHashMismatch(t *testing.T) {
	fx := newFixture(t, buyerAddr, 3*coin)
	fx.listing(t)

	_, err := fx.engine.Send(context.Background(), "listing-hash", types.ShippingAddress{}, nil)
	require.NoError(t, err)

	payload := types.AcceptPayload{
		ListingHash: "listing-hash",
		Bidder:      buyerAddr,
		OrderHash:   "tampered",
	}
	err = fx.engine.ProcessAcceptReceived(context.Background(), sellerAddr, payload)
	var integrity *types.IntegrityError
	require.ErrorAs(t, err, &integrity)

	// The bid must not have transitioned.
	item, err := fx.state.GetListingItemByHash("listing-hash")
	require.NoError(t, err)
	record, err := fx.state.GetActiveBid(item.ID, buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, db.BID_ACTION_BID, record.Action)
}

func TestProcessAcceptReceivedWrongSender(t *testing.T) {
	fx := newFixture(t, buyerAddr, 3*coin)
	fx.listing(t)

	_, err := fx.engine.Send(context.Background(), "listing-hash", types.ShippingAddress{}, nil)
	require.NoError(t, err)

	err = fx.engine.ProcessAcceptReceived(context.Background(), "bc1qimpostor", types.AcceptPayload{
		ListingHash: "listing-hash",
		Bidder:      buyerAddr,
	})
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestProcessRejectReceivedReleasesLocks(t *testing.T) {
	fx := newFixture(t, buyerAddr, 3*coin)
	fx.listing(t)

	record, err := fx.engine.Send(context.Background(), "listing-hash", types.ShippingAddress{}, nil)
	require.NoError(t, err)

	err = fx.engine.ProcessRejectReceived(context.Background(), sellerAddr, types.CancelPayload{
		ListingHash: "listing-hash",
		Bidder:      buyerAddr,
	})
	require.NoError(t, err)

	got, err := fx.state.GetBid(record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BID_ACTION_REJECT, got.Action)

	locked, err := fx.state.GetLockedOutputs(record.ID)
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestProcessCancelReceivedSenderMustBeBidder(t *testing.T) {
	fx := newFixture(t, sellerAddr)
	fx.listing(t)

	require.NoError(t, fx.engine.ProcessBidReceived(context.Background(), buyerAddr, buyerBidPayload()))

	err := fx.engine.ProcessCancelReceived(context.Background(), "bc1qimpostor", types.CancelPayload{
		ListingHash: "listing-hash",
		Bidder:      buyerAddr,
	})
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}
