package bid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/escrow"
	"github.com/marketnet/market-node/internal/order"
	"github.com/marketnet/market-node/internal/state"
	"github.com/marketnet/market-node/internal/types"
	"github.com/marketnet/market-node/internal/wallet"
	log "github.com/sirupsen/logrus"
)

// Transport publishes one protocol message to the network. Retry and
// retention policy live behind this interface, not in the engine.
type Transport interface {
	Send(ctx context.Context, msg *types.MarketMessage) (*types.SendResult, error)
}

// Engine owns the bid lifecycle state machine. Local actor methods (Send,
// Accept, Cancel, Reject) propagate errors to the caller; the
// Process*Received methods are invoked by the message router, which maps
// their errors to processing statuses.
type Engine struct {
	state         *state.State
	wallet        wallet.Client
	selector      *wallet.Selector
	escrowBuilder *escrow.Builder
	transport     Transport

	nodeAddress   string
	retentionDays int
}

func NewEngine(st *state.State, w wallet.Client, selector *wallet.Selector, builder *escrow.Builder, transport Transport, nodeAddress string, retentionDays int) *Engine {
	return &Engine{
		state:         st,
		wallet:        w,
		selector:      selector,
		escrowBuilder: builder,
		transport:     transport,
		nodeAddress:   nodeAddress,
		retentionDays: retentionDays,
	}
}

// Send places a bid on a listing as the buyer. The buyer funds twice the
// item total, covering the seller's matching commitment under 2-of-2 escrow.
// Funding outputs are locked after the bid row is persisted and before the
// message leaves the node; a lock failure surfaces as LockFailureError and
// leaves the unbroadcast row for reconciliation.
func (e *Engine) Send(ctx context.Context, listingHash string, shipping types.ShippingAddress, itemObjects map[string]string) (*db.Bid, error) {
	item, err := e.state.GetListingItemByHash(listingHash)
	if err != nil {
		return nil, err
	}
	if item.BasePrice <= 0 {
		return nil, &types.ValidationError{Field: "base_price", Reason: "listing carries no valid price"}
	}

	requiredAmount := 2 * order.ItemTotal(item)
	selection, err := e.selector.SelectOutputs(requiredAmount)
	if err != nil {
		return nil, err
	}

	escrowAddress, err := e.wallet.GetNewAddress("escrow")
	if err != nil {
		return nil, err
	}
	pubKey, err := e.wallet.PubKeyForAddress(escrowAddress)
	if err != nil {
		return nil, err
	}
	changeAddress, err := e.wallet.GetNewAddress("change")
	if err != nil {
		return nil, err
	}
	releaseAddress, err := e.wallet.GetNewAddress("release")
	if err != nil {
		return nil, err
	}

	outputs := toPrevOutputs(selection.Outputs)
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	objectsJSON, err := json.Marshal(itemObjects)
	if err != nil {
		return nil, err
	}

	record := &db.Bid{
		ListingItemID:       item.ID,
		Bidder:              e.nodeAddress,
		Action:              db.BID_ACTION_BID,
		BuyerPubKey:         pubKey,
		BuyerOutputs:        outputsJSON,
		BuyerChangeAddress:  changeAddress,
		BuyerChangeAmount:   selection.Change,
		BuyerReleaseAddress: releaseAddress,
		ShipFirstName:       shipping.FirstName,
		ShipLastName:        shipping.LastName,
		ShipAddressLine1:    shipping.AddressLine1,
		ShipAddressLine2:    shipping.AddressLine2,
		ShipCity:            shipping.City,
		ShipState:           shipping.State,
		ShipCountry:         shipping.Country,
		ShipZipCode:         shipping.ZipCode,
		ItemObjects:         objectsJSON,
	}
	if err := e.state.CreateBid(record); err != nil {
		return nil, err
	}

	if err := e.state.LockOutputs(record.ID, outputs); err != nil {
		return nil, &types.LockFailureError{BidID: record.ID, Err: err}
	}

	payload := types.BidPayload{
		ListingHash:    listingHash,
		Outputs:        outputs,
		PubKey:         pubKey,
		ChangeAddress:  changeAddress,
		ChangeAmount:   selection.Change,
		ReleaseAddress: releaseAddress,
		Shipping:       shipping,
		ItemObjects:    itemObjects,
	}
	if err := e.transmit(ctx, types.ActionBid, item.Seller, payload); err != nil {
		return nil, err
	}
	log.Infof("Bid %d sent on listing %s, required %d sat over %d outputs", record.ID, listingHash, requiredAmount, len(outputs))
	return record, nil
}

// Accept accepts an open bid as the seller. The seller funds one item total,
// re-validates the buyer's committed outputs, builds the partially signed
// escrow funding transaction and materializes the order, then locks its own
// outputs and broadcasts MPA_ACCEPT carrying the order hash.
func (e *Engine) Accept(ctx context.Context, bidID uint) (*db.Bid, error) {
	current, err := e.state.GetBid(bidID)
	if err != nil {
		return nil, err
	}
	item, err := e.state.GetListingItem(current.ListingItemID)
	if err != nil {
		return nil, err
	}

	itemTotal := order.ItemTotal(item)

	var buyerOutputs []types.PrevOutput
	if err := json.Unmarshal(current.BuyerOutputs, &buyerOutputs); err != nil {
		return nil, &types.ValidationError{Field: "buyer outputs", Reason: "not decodable"}
	}
	var buyerSum int64
	for _, o := range buyerOutputs {
		buyerSum += o.Amount
	}
	if buyerSum < 2*itemTotal {
		return nil, types.ErrInsufficientFunds
	}

	selection, err := e.selector.SelectOutputs(itemTotal)
	if err != nil {
		return nil, err
	}
	escrowAddress, err := e.wallet.GetNewAddress("escrow")
	if err != nil {
		return nil, err
	}
	sellerPubKey, err := e.wallet.PubKeyForAddress(escrowAddress)
	if err != nil {
		return nil, err
	}
	sellerChangeAddress, err := e.wallet.GetNewAddress("change")
	if err != nil {
		return nil, err
	}
	sellerOutputs := toPrevOutputs(selection.Outputs)

	fundingTx, err := e.escrowBuilder.Build(
		escrow.Party{PubKey: current.BuyerPubKey, Outputs: buyerOutputs, ChangeAddress: current.BuyerChangeAddress},
		escrow.Party{PubKey: sellerPubKey, Outputs: sellerOutputs, ChangeAddress: sellerChangeAddress},
		itemTotal,
	)
	if err != nil {
		return nil, err
	}

	orderHash := types.HashOrder(item.Hash, current.Bidder, item.Seller, itemTotal)
	sellerOutputsJSON, err := json.Marshal(sellerOutputs)
	if err != nil {
		return nil, err
	}

	updated, err := e.state.UpdateBidAction(bidID, db.BID_ACTION_BID, db.BID_ACTION_ACCEPT, func(b *db.Bid) {
		b.SellerPubKey = sellerPubKey
		b.SellerOutputs = sellerOutputsJSON
		b.SellerChangeAddress = sellerChangeAddress
		b.RawTxHex = fundingTx.RawTxHex
		b.OrderHash = orderHash
	})
	if err != nil {
		return nil, err
	}

	o, oi := order.FromBid(updated, item)
	if err := e.state.CreateOrder(o, oi); err != nil {
		return nil, err
	}

	if err := e.state.LockOutputs(bidID, sellerOutputs); err != nil {
		return nil, &types.LockFailureError{BidID: bidID, Err: err}
	}

	payload := types.AcceptPayload{
		ListingHash:         item.Hash,
		Bidder:              updated.Bidder,
		SellerOutputs:       sellerOutputs,
		SellerPubKey:        sellerPubKey,
		SellerChangeAddress: sellerChangeAddress,
		RawTxHex:            fundingTx.RawTxHex,
		OrderHash:           o.Hash,
	}
	if err := e.transmit(ctx, types.ActionAccept, updated.Bidder, payload); err != nil {
		return nil, err
	}
	log.Infof("Bid %d accepted, order %s, escrow %d sat to %s", bidID, o.OrderId, fundingTx.EscrowAmount, fundingTx.EscrowAddress)
	return updated, nil
}

// Cancel withdraws an open bid as the buyer and releases its locked outputs.
func (e *Engine) Cancel(ctx context.Context, bidID uint) error {
	updated, err := e.state.UpdateBidAction(bidID, db.BID_ACTION_BID, db.BID_ACTION_CANCEL, nil)
	if err != nil {
		return err
	}
	if err := e.state.ReleaseOutputs(bidID); err != nil {
		return err
	}
	item, err := e.state.GetListingItem(updated.ListingItemID)
	if err != nil {
		return err
	}
	payload := types.CancelPayload{ListingHash: item.Hash, Bidder: updated.Bidder}
	return e.transmit(ctx, types.ActionCancel, item.Seller, payload)
}

// Reject declines an open bid as the seller.
func (e *Engine) Reject(ctx context.Context, bidID uint) error {
	updated, err := e.state.UpdateBidAction(bidID, db.BID_ACTION_BID, db.BID_ACTION_REJECT, nil)
	if err != nil {
		return err
	}
	if err := e.state.ReleaseOutputs(bidID); err != nil {
		return err
	}
	item, err := e.state.GetListingItem(updated.ListingItemID)
	if err != nil {
		return err
	}
	payload := types.CancelPayload{ListingHash: item.Hash, Bidder: updated.Bidder}
	return e.transmit(ctx, types.ActionReject, updated.Bidder, payload)
}

// Refund backs out of an accepted trade before escrow funds are locked.
// Every order item must still be awaiting escrow; the items move to
// refunded and this side's funding outputs are released.
func (e *Engine) Refund(ctx context.Context, bidID uint) error {
	o, err := e.state.GetOrderByBid(bidID)
	if err != nil {
		return err
	}
	items, err := e.state.GetOrderItems(o.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := order.ValidateRefund(item); err != nil {
			return err
		}
	}
	for _, item := range items {
		if err := e.state.UpdateOrderItemStatus(item.ID, db.ORDER_ITEM_STATUS_REFUNDED); err != nil {
			return err
		}
	}
	if err := e.state.ReleaseOutputs(bidID); err != nil {
		return err
	}
	log.Infof("Order %s refunded, bid %d outputs released", o.OrderId, bidID)
	return nil
}

// ProcessBidReceived handles an inbound MPA_BID on the seller side. The
// sender is the buyer. A missing listing is reported as not-found so the
// router can park the message for retry; a second open bid from the same
// buyer on the same listing is a hard failure.
func (e *Engine) ProcessBidReceived(ctx context.Context, sender string, payload types.BidPayload) error {
	item, err := e.state.GetListingItemByHash(payload.ListingHash)
	if err != nil {
		return err
	}
	active, err := e.state.HasActiveBid(item.ID, sender)
	if err != nil {
		return err
	}
	if active {
		return &types.StateConflictError{Entity: "listing", Current: describeBidConflict(sender)}
	}

	outputsJSON, err := json.Marshal(payload.Outputs)
	if err != nil {
		return err
	}
	objectsJSON, err := json.Marshal(payload.ItemObjects)
	if err != nil {
		return err
	}
	record := &db.Bid{
		ListingItemID:       item.ID,
		Bidder:              sender,
		Action:              db.BID_ACTION_BID,
		BuyerPubKey:         payload.PubKey,
		BuyerOutputs:        outputsJSON,
		BuyerChangeAddress:  payload.ChangeAddress,
		BuyerChangeAmount:   payload.ChangeAmount,
		BuyerReleaseAddress: payload.ReleaseAddress,
		ShipFirstName:       payload.Shipping.FirstName,
		ShipLastName:        payload.Shipping.LastName,
		ShipAddressLine1:    payload.Shipping.AddressLine1,
		ShipAddressLine2:    payload.Shipping.AddressLine2,
		ShipCity:            payload.Shipping.City,
		ShipState:           payload.Shipping.State,
		ShipCountry:         payload.Shipping.Country,
		ShipZipCode:         payload.Shipping.ZipCode,
		ItemObjects:         objectsJSON,
	}
	if err := e.state.CreateBid(record); err != nil {
		return err
	}
	log.Infof("Received bid %d from %s on listing %s", record.ID, sender, payload.ListingHash)
	return nil
}

// ProcessAcceptReceived handles an inbound MPA_ACCEPT on the buyer side.
// The order hash is recomputed locally and compared with the claimed one
// before the bid transitions; a mismatch is an integrity violation and the
// message is never retried.
func (e *Engine) ProcessAcceptReceived(ctx context.Context, sender string, payload types.AcceptPayload) error {
	item, err := e.state.GetListingItemByHash(payload.ListingHash)
	if err != nil {
		return err
	}
	if sender != item.Seller {
		return &types.ValidationError{Field: "sender", Reason: "accept did not come from the listing seller"}
	}
	current, err := e.state.GetActiveBid(item.ID, payload.Bidder)
	if err != nil {
		return err
	}

	computed := types.HashOrder(item.Hash, current.Bidder, item.Seller, order.ItemTotal(item))
	if computed != payload.OrderHash {
		return &types.IntegrityError{Entity: "order", Claimed: payload.OrderHash, Computed: computed}
	}

	sellerOutputsJSON, err := json.Marshal(payload.SellerOutputs)
	if err != nil {
		return err
	}
	updated, err := e.state.UpdateBidAction(current.ID, db.BID_ACTION_BID, db.BID_ACTION_ACCEPT, func(b *db.Bid) {
		b.SellerPubKey = payload.SellerPubKey
		b.SellerOutputs = sellerOutputsJSON
		b.SellerChangeAddress = payload.SellerChangeAddress
		b.RawTxHex = payload.RawTxHex
		b.OrderHash = payload.OrderHash
	})
	if err != nil {
		return err
	}

	o, oi := order.FromBid(updated, item)
	if err := e.state.CreateOrder(o, oi); err != nil {
		return err
	}
	e.state.EventBus.Publish(state.OrderCreated, o)
	log.Infof("Bid %d accepted by seller, order %s materialized", updated.ID, o.OrderId)
	return nil
}

// ProcessCancelReceived handles an inbound MPA_CANCEL on the seller side.
func (e *Engine) ProcessCancelReceived(ctx context.Context, sender string, payload types.CancelPayload) error {
	if sender != payload.Bidder {
		return &types.ValidationError{Field: "sender", Reason: "cancel did not come from the bidder"}
	}
	return e.closeBid(payload, db.BID_ACTION_CANCEL)
}

// ProcessRejectReceived handles an inbound MPA_REJECT on the buyer side and
// releases the buyer's locked funding outputs.
func (e *Engine) ProcessRejectReceived(ctx context.Context, sender string, payload types.CancelPayload) error {
	item, err := e.state.GetListingItemByHash(payload.ListingHash)
	if err != nil {
		return err
	}
	if sender != item.Seller {
		return &types.ValidationError{Field: "sender", Reason: "reject did not come from the listing seller"}
	}
	return e.closeBid(payload, db.BID_ACTION_REJECT)
}

func (e *Engine) closeBid(payload types.CancelPayload, action string) error {
	item, err := e.state.GetListingItemByHash(payload.ListingHash)
	if err != nil {
		return err
	}
	current, err := e.state.GetActiveBid(item.ID, payload.Bidder)
	if err != nil {
		return err
	}
	if _, err := e.state.UpdateBidAction(current.ID, db.BID_ACTION_BID, action, nil); err != nil {
		return err
	}
	return e.state.ReleaseOutputs(current.ID)
}

func (e *Engine) transmit(ctx context.Context, action, receiver string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now()
	msg := &types.MarketMessage{
		MsgID:    uuid.New().String(),
		Action:   action,
		Sender:   e.nodeAddress,
		Receiver: receiver,
		Payload:  body,
		Delivery: types.DeliveryInfo{
			SentAt:        now.Unix(),
			ExpiresAt:     now.AddDate(0, 0, e.retentionDays).Unix(),
			RetentionDays: e.retentionDays,
		},
	}
	result, err := e.transport.Send(ctx, msg)
	if err != nil {
		return err
	}
	if result.Error != "" {
		return fmt.Errorf("transport rejected %s message: %s", action, result.Error)
	}
	return nil
}

func describeBidConflict(bidder string) string {
	return fmt.Sprintf("bid on by %s", bidder)
}

func toPrevOutputs(outputs []wallet.UnspentOutput) []types.PrevOutput {
	prev := make([]types.PrevOutput, len(outputs))
	for i, o := range outputs {
		prev[i] = types.PrevOutput{Txid: o.Txid, Vout: o.Vout, Amount: o.Amount}
	}
	return prev
}
