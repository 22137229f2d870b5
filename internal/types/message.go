package types

import (
	"encoding/json"
)

// Protocol actions carried by encrypted store-and-forward messages.
const (
	ActionBid         = "MPA_BID"
	ActionAccept      = "MPA_ACCEPT"
	ActionCancel      = "MPA_CANCEL"
	ActionReject      = "MPA_REJECT"
	ActionProposalAdd = "MP_PROPOSAL_ADD"
	ActionVote        = "MP_VOTE"
)

// ProcessingStatus is the outcome the router reports back to the transport
// for one delivered message. The transport owns retry scheduling and must
// never re-deliver a PROCESSED message.
type ProcessingStatus string

const (
	StatusProcessed        ProcessingStatus = "PROCESSED"
	StatusWaiting          ProcessingStatus = "WAITING"
	StatusProcessingFailed ProcessingStatus = "PROCESSING_FAILED"
	StatusParsingFailed    ProcessingStatus = "PARSING_FAILED"
)

// DeliveryInfo is the transport metadata attached to every message.
type DeliveryInfo struct {
	SentAt        int64 `json:"sent_at"`
	ReceivedAt    int64 `json:"received_at"`
	ExpiresAt     int64 `json:"expires_at"`
	RetentionDays int   `json:"retention_days"`
}

// MarketMessage is one decoded protocol message. Decryption and sender
// authentication happen in the transport before it reaches this type, so
// Sender can be trusted as the cryptographic origin of the message.
type MarketMessage struct {
	MsgID    string          `json:"msg_id"`
	Action   string          `json:"action"`
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Payload  json.RawMessage `json:"payload"`
	Delivery DeliveryInfo    `json:"delivery"`
}

// SendResult is what the transport returns for an outbound message.
type SendResult struct {
	Result string `json:"result"` // "Sent." or "Send failed."
	MsgID  string `json:"msg_id,omitempty"`
	Fee    int64  `json:"fee,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PrevOutput references one unspent output a party commits to an escrow.
// Amount is in satoshi.
type PrevOutput struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Amount int64  `json:"amount"`
}

type ShippingAddress struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	Country      string `json:"country"`
	ZipCode      string `json:"zip_code"`
}

// BidPayload is the body of an MPA_BID message. It replaces the legacy
// string-keyed bid data bag with a closed record; new fields are added as
// new struct members, never as free-form keys.
type BidPayload struct {
	ListingHash    string            `json:"listing_hash"`
	Outputs        []PrevOutput      `json:"outputs"`
	PubKey         string            `json:"pub_key"`
	ChangeAddress  string            `json:"change_address"`
	ChangeAmount   int64             `json:"change_amount"`
	ReleaseAddress string            `json:"release_address"`
	Shipping       ShippingAddress   `json:"shipping"`
	ItemObjects    map[string]string `json:"item_objects,omitempty"`
}

// AcceptPayload is the body of an MPA_ACCEPT message from the seller.
type AcceptPayload struct {
	ListingHash         string       `json:"listing_hash"`
	Bidder              string       `json:"bidder"`
	SellerOutputs       []PrevOutput `json:"seller_outputs"`
	SellerPubKey        string       `json:"seller_pub_key"`
	SellerChangeAddress string       `json:"seller_change_address"`
	RawTxHex            string       `json:"raw_tx_hex"`
	OrderHash           string       `json:"order_hash"`
}

// CancelPayload doubles for MPA_CANCEL and MPA_REJECT; both identify the
// negotiation thread by (listing, bidder).
type CancelPayload struct {
	ListingHash string `json:"listing_hash"`
	Bidder      string `json:"bidder"`
}

type ProposalOptionPayload struct {
	OptionID    uint32 `json:"option_id"`
	Description string `json:"description"`
	Hash        string `json:"hash,omitempty"`
}

// ProposalPayload is the body of an MP_PROPOSAL_ADD message. Hash is the
// content hash over the canonical fields and is recomputed on receive.
type ProposalPayload struct {
	Submitter   string                  `json:"submitter"`
	Hash        string                  `json:"hash,omitempty"`
	Type        string                  `json:"type"` // PUBLIC_VOTE or ITEM_VOTE
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	ItemHash    string                  `json:"item_hash,omitempty"`
	BlockStart  uint64                  `json:"block_start"`
	BlockEnd    uint64                  `json:"block_end"`
	Options     []ProposalOptionPayload `json:"options"`
}

// VotePayload is the body of an MP_VOTE message. Voter must equal the
// authenticated message sender.
type VotePayload struct {
	ProposalHash string `json:"proposal_hash"`
	OptionID     uint32 `json:"option_id"`
	Voter        string `json:"voter"`
	Block        uint64 `json:"block"`
	Weight       int64  `json:"weight"`
}
