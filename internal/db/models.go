package db

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// ListingItem model. A read-mostly projection of a published listing; only
// the fields the negotiation and governance engines touch live here. Prices
// are satoshi.
type ListingItem struct {
	ID                         uint      `gorm:"primaryKey" json:"id"`
	Hash                       string    `gorm:"not null;uniqueIndex" json:"hash"`
	Seller                     string    `gorm:"not null" json:"seller"`
	Title                      string    `json:"title"`
	BasePrice                  int64     `gorm:"not null" json:"base_price"`
	DomesticShippingPrice      int64     `gorm:"not null" json:"domestic_shipping_price"`
	InternationalShippingPrice int64     `gorm:"not null" json:"international_shipping_price"`
	Removed                    bool      `gorm:"not null" json:"removed"`
	UpdatedAt                  time.Time `gorm:"not null" json:"updated_at"`
}

// Bid model. One negotiation thread for a listing item. Action is the
// current protocol state; the remaining columns are the closed record that
// replaced the legacy string-keyed bid data bag. Bids are never deleted,
// cancellation and rejection are states.
type Bid struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ListingItemID uint   `gorm:"not null;index" json:"listing_item_id"`
	Bidder        string `gorm:"not null;index" json:"bidder"`
	Action        string `gorm:"not null" json:"action"` // MPA_BID, MPA_ACCEPT, MPA_CANCEL, MPA_REJECT

	BuyerPubKey         string `json:"buyer_pub_key"`
	BuyerOutputs        []byte `json:"buyer_outputs"` // JSON []types.PrevOutput
	BuyerChangeAddress  string `json:"buyer_change_address"`
	BuyerChangeAmount   int64  `json:"buyer_change_amount"`
	BuyerReleaseAddress string `json:"buyer_release_address"`

	SellerPubKey        string `json:"seller_pub_key"`
	SellerOutputs       []byte `json:"seller_outputs"` // JSON []types.PrevOutput
	SellerChangeAddress string `json:"seller_change_address"`

	RawTxHex  string `json:"raw_tx_hex"`
	OrderHash string `json:"order_hash"`

	ShipFirstName    string `json:"ship_first_name"`
	ShipLastName     string `json:"ship_last_name"`
	ShipAddressLine1 string `json:"ship_address_line1"`
	ShipAddressLine2 string `json:"ship_address_line2"`
	ShipCity         string `json:"ship_city"`
	ShipState        string `json:"ship_state"`
	ShipCountry      string `json:"ship_country"`
	ShipZipCode      string `json:"ship_zip_code"`

	ItemObjects []byte    `json:"item_objects"` // JSON map[string]string
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

// LockedOutput model. A reservation of one unspent output for one bid. Rows
// are deleted on release so the unique index over (txid, vout) enforces that
// no output is ever held by two active locks.
type LockedOutput struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Txid      string    `gorm:"not null;index:unique_locked_txid_vout,unique" json:"txid"`
	Vout      uint32    `gorm:"not null;index:unique_locked_txid_vout,unique" json:"vout"`
	Amount    int64     `gorm:"not null" json:"amount"`
	BidID     uint      `gorm:"not null;index" json:"bid_id"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// Order model, materialized once a bid reaches MPA_ACCEPT.
type Order struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OrderId       string    `gorm:"not null;uniqueIndex" json:"order_id"`
	Hash          string    `gorm:"not null" json:"hash"`
	BidID         uint      `gorm:"not null;index" json:"bid_id"`
	ListingItemID uint      `gorm:"not null" json:"listing_item_id"`
	Buyer         string    `gorm:"not null" json:"buyer"`
	Seller        string    `gorm:"not null" json:"seller"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

// OrderItem model, fulfillment tracking per ordered item.
type OrderItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrderID   uint      `gorm:"not null;index" json:"order_id"`
	ItemHash  string    `gorm:"not null" json:"item_hash"`
	Status    string    `gorm:"not null" json:"status"` // "awaiting_escrow", "escrow_locked", "shipping", "complete", "refunded"
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// Proposal model. Hash is the content hash over the canonical fields and is
// the cross-node identity of the proposal.
type Proposal struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Hash        string    `gorm:"not null;uniqueIndex" json:"hash"`
	Submitter   string    `gorm:"not null" json:"submitter"`
	Type        string    `gorm:"not null" json:"type"` // "PUBLIC_VOTE", "ITEM_VOTE"
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ItemHash    string    `gorm:"index" json:"item_hash"`
	BlockStart  uint64    `gorm:"not null" json:"block_start"`
	BlockEnd    uint64    `gorm:"not null" json:"block_end"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

// ProposalOption model. OptionID is 0-based and stable across nodes.
type ProposalOption struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ProposalID  uint   `gorm:"not null;index" json:"proposal_id"`
	OptionID    uint32 `gorm:"not null" json:"option_id"`
	Description string `gorm:"not null" json:"description"`
	Hash        string `gorm:"not null" json:"hash"`
}

// Vote model. At most one row per (proposal, voter); a later vote from the
// same voter updates the row in place.
type Vote struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ProposalID       uint      `gorm:"not null;index:unique_proposal_voter,unique" json:"proposal_id"`
	Voter            string    `gorm:"not null;index:unique_proposal_voter,unique" json:"voter"`
	ProposalOptionID uint32    `gorm:"not null" json:"proposal_option_id"`
	Block            uint64    `gorm:"not null" json:"block"`
	Weight           int64     `gorm:"not null" json:"weight"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

// ProposalResult model, a fully recomputed tally snapshot. Never updated
// incrementally.
type ProposalResult struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ProposalID   uint      `gorm:"not null;uniqueIndex" json:"proposal_id"`
	Block        uint64    `gorm:"not null" json:"block"`
	CalculatedAt time.Time `gorm:"not null" json:"calculated_at"`
}

type ProposalOptionResult struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	ProposalResultID uint   `gorm:"not null;index" json:"proposal_result_id"`
	ProposalOptionID uint32 `gorm:"not null" json:"proposal_option_id"`
	Voters           int64  `gorm:"not null" json:"voters"`
	Weight           int64  `gorm:"not null" json:"weight"`
}

// MarketMessage model, transport bookkeeping for every inbound and outbound
// protocol message. Status drives the retry loop; a processed message is
// never handed to the router again.
type MarketMessage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MsgID      string    `gorm:"not null;uniqueIndex" json:"msg_id"`
	Action     string    `gorm:"not null" json:"action"`
	Direction  string    `gorm:"not null" json:"direction"` // "inbound", "outbound"
	Sender     string    `gorm:"not null" json:"sender"`
	Receiver   string    `json:"receiver"`
	Payload    []byte    `json:"payload"`
	Status     string    `gorm:"not null;index" json:"status"` // "received", "processed", "waiting", "processing_failed", "parsing_failed", "sent"
	Retries    int       `gorm:"not null" json:"retries"`
	SentAt     int64     `json:"sent_at"`
	ReceivedAt int64     `json:"received_at"`
	ExpiresAt  int64     `json:"expires_at"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

func (dm *DatabaseManager) autoMigrate() {
	if err := dm.marketDb.AutoMigrate(&ListingItem{}, &Bid{}, &LockedOutput{}, &Order{}, &OrderItem{}); err != nil {
		log.Fatalf("Failed to migrate market database: %v", err)
	}
	if err := dm.governanceDb.AutoMigrate(&Proposal{}, &ProposalOption{}, &Vote{}, &ProposalResult{}, &ProposalOptionResult{}); err != nil {
		log.Fatalf("Failed to migrate governance database: %v", err)
	}
	if err := dm.messageDb.AutoMigrate(&MarketMessage{}); err != nil {
		log.Fatalf("Failed to migrate message database: %v", err)
	}
}
