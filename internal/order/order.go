package order

import (
	"github.com/google/uuid"
	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/types"
)

// ItemTotal is the settlement base for one listing: base price plus the
// higher of the two shipping prices, in satoshi.
func ItemTotal(item *db.ListingItem) int64 {
	shipping := item.DomesticShippingPrice
	if item.InternationalShippingPrice > shipping {
		shipping = item.InternationalShippingPrice
	}
	return item.BasePrice + shipping
}

// FromBid materializes the order aggregate from an accepted bid. Pure
// derivation, no selection or persistence; the caller stores the result and
// owns the surrounding transaction. The order hash is deterministic so buyer
// and seller derive the same value independently.
func FromBid(bid *db.Bid, item *db.ListingItem) (*db.Order, *db.OrderItem) {
	hash := types.HashOrder(item.Hash, bid.Bidder, item.Seller, ItemTotal(item))
	o := &db.Order{
		OrderId:       uuid.New().String(),
		Hash:          hash,
		BidID:         bid.ID,
		ListingItemID: item.ID,
		Buyer:         bid.Bidder,
		Seller:        item.Seller,
	}
	oi := &db.OrderItem{
		ItemHash: item.Hash,
		Status:   db.ORDER_ITEM_STATUS_AWAITING_ESCROW,
	}
	return o, oi
}

// ValidateRefund gates the refund path: once escrow is locked or the item
// shipped, a plain refund is no longer the right flow.
func ValidateRefund(item *db.OrderItem) error {
	if item.Status != db.ORDER_ITEM_STATUS_AWAITING_ESCROW {
		return &types.StateConflictError{Entity: "order item", Current: item.Status}
	}
	return nil
}
