package state

import (
	"errors"
	"time"

	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/types"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SaveListingItem upserts a listing projection. Listing CRUD is owned by
// the management layer; the engines only need the hash, seller and prices.
func (s *State) SaveListingItem(item *db.ListingItem) error {
	s.listingMu.Lock()
	defer s.listingMu.Unlock()

	item.UpdatedAt = time.Now()
	result := s.dbm.GetMarketDB().Save(item)
	if result.Error != nil {
		log.Errorf("State SaveListingItem error: %v", result.Error)
		return result.Error
	}
	return nil
}

// GetListingItemByHash finds a listing by its cross-node hash.
func (s *State) GetListingItemByHash(hash string) (*db.ListingItem, error) {
	s.listingMu.RLock()
	defer s.listingMu.RUnlock()

	var item db.ListingItem
	result := s.dbm.GetMarketDB().Where("hash = ?", hash).First(&item)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFoundError{Entity: "listing item", Key: hash}
		}
		return nil, result.Error
	}
	return &item, nil
}

// GetListingItem finds a listing by primary key.
func (s *State) GetListingItem(id uint) (*db.ListingItem, error) {
	s.listingMu.RLock()
	defer s.listingMu.RUnlock()

	var item db.ListingItem
	result := s.dbm.GetMarketDB().First(&item, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFoundError{Entity: "listing item", Key: "id"}
		}
		return nil, result.Error
	}
	return &item, nil
}

// RemoveListingItem marks a listing removed. Removal is a local decision,
// each node acts on its own governance tally.
func (s *State) RemoveListingItem(id uint) error {
	s.listingMu.Lock()
	defer s.listingMu.Unlock()

	err := s.dbm.GetMarketDB().Model(&db.ListingItem{}).Where("id = ?", id).
		Updates(map[string]interface{}{"removed": true, "updated_at": time.Now()}).Error
	if err != nil {
		log.Errorf("State RemoveListingItem %d error: %v", id, err)
		return err
	}
	return nil
}

// CreateBid persists a new bid row.
func (s *State) CreateBid(bid *db.Bid) error {
	s.bidMu.Lock()
	defer s.bidMu.Unlock()

	bid.UpdatedAt = time.Now()
	result := s.dbm.GetMarketDB().Create(bid)
	if result.Error != nil {
		log.Errorf("State CreateBid error: %v", result.Error)
		return result.Error
	}
	return nil
}

// GetBid reads one bid by primary key.
func (s *State) GetBid(id uint) (*db.Bid, error) {
	var bid db.Bid
	result := s.dbm.GetMarketDB().First(&bid, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFoundError{Entity: "bid", Key: "id"}
		}
		return nil, result.Error
	}
	return &bid, nil
}

// GetActiveBid locates the most recent MPA_BID row for (listing, bidder),
// newest first. Subsequent accept/cancel/reject operate on this row.
func (s *State) GetActiveBid(listingItemID uint, bidder string) (*db.Bid, error) {
	s.bidMu.RLock()
	defer s.bidMu.RUnlock()

	var bid db.Bid
	result := s.dbm.GetMarketDB().
		Where("listing_item_id = ? AND bidder = ? AND action = ?", listingItemID, bidder, db.BID_ACTION_BID).
		Order("id desc").First(&bid)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFoundError{Entity: "bid", Key: bidder}
		}
		return nil, result.Error
	}
	return &bid, nil
}

// HasActiveBid reports whether an open or accepted bid exists for
// (listing, bidder). Used as the duplicate-bid guard on inbound MPA_BID; an
// accepted bid is still active until the trade settles, so a fresh MPA_BID
// from the same buyer must not start a parallel negotiation.
func (s *State) HasActiveBid(listingItemID uint, bidder string) (bool, error) {
	s.bidMu.RLock()
	defer s.bidMu.RUnlock()

	var count int64
	err := s.dbm.GetMarketDB().Model(&db.Bid{}).
		Where("listing_item_id = ? AND bidder = ? AND action IN ?",
			listingItemID, bidder, []string{db.BID_ACTION_BID, db.BID_ACTION_ACCEPT}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateBidAction transitions a bid, re-reading its current action under
// bidMu immediately before the write. When the action no longer matches the
// expected precondition the transition fails with a StateConflictError, bid
// transitions are deliberately not idempotent.
func (s *State) UpdateBidAction(bidID uint, expectedAction, newAction string, mutate func(*db.Bid)) (*db.Bid, error) {
	s.bidMu.Lock()
	defer s.bidMu.Unlock()

	var bid db.Bid
	if err := s.dbm.GetMarketDB().First(&bid, bidID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &types.NotFoundError{Entity: "bid", Key: "id"}
		}
		return nil, err
	}
	if bid.Action != expectedAction {
		return nil, &types.StateConflictError{Entity: "bid", Current: describeAction(bid.Action)}
	}

	bid.Action = newAction
	if mutate != nil {
		mutate(&bid)
	}
	bid.UpdatedAt = time.Now()
	if err := s.dbm.GetMarketDB().Save(&bid).Error; err != nil {
		log.Errorf("State UpdateBidAction bid %d to %s error: %v", bidID, newAction, err)
		return nil, err
	}
	return &bid, nil
}

func describeAction(action string) string {
	switch action {
	case db.BID_ACTION_ACCEPT:
		return "accepted"
	case db.BID_ACTION_CANCEL:
		return "cancelled"
	case db.BID_ACTION_REJECT:
		return "rejected"
	default:
		return "bid on"
	}
}

// CreateOrder persists the order aggregate materialized from an accepted
// bid, in one transaction.
func (s *State) CreateOrder(order *db.Order, item *db.OrderItem) error {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	return s.dbm.GetMarketDB().Transaction(func(tx *gorm.DB) error {
		order.UpdatedAt = time.Now()
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		item.OrderID = order.ID
		item.UpdatedAt = time.Now()
		return tx.Create(item).Error
	})
}

// GetOrderByBid reads the order materialized from a bid.
func (s *State) GetOrderByBid(bidID uint) (*db.Order, error) {
	s.orderMu.RLock()
	defer s.orderMu.RUnlock()

	var order db.Order
	result := s.dbm.GetMarketDB().Where("bid_id = ?", bidID).First(&order)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFoundError{Entity: "order", Key: "bid"}
		}
		return nil, result.Error
	}
	return &order, nil
}

// GetOrderItems reads the items of an order.
func (s *State) GetOrderItems(orderID uint) ([]*db.OrderItem, error) {
	var items []*db.OrderItem
	result := s.dbm.GetMarketDB().Where("order_id = ?", orderID).Find(&items)
	if result.Error != nil {
		return nil, result.Error
	}
	return items, nil
}

// UpdateOrderItemStatus moves an order item to a new fulfillment status.
func (s *State) UpdateOrderItemStatus(itemID uint, status string) error {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	err := s.dbm.GetMarketDB().Model(&db.OrderItem{}).Where("id = ?", itemID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
	if err != nil {
		log.Errorf("State UpdateOrderItemStatus %d to %s error: %v", itemID, status, err)
		return err
	}
	return nil
}

// GetBidsByAction lists bids in a given protocol state, newest first.
func (s *State) GetBidsByAction(action string) ([]*db.Bid, error) {
	var bids []*db.Bid
	result := s.dbm.GetMarketDB().Where("action = ?", action).Order("id desc").Find(&bids)
	if result.Error != nil {
		return nil, result.Error
	}
	return bids, nil
}
