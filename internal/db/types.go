package db

const (
	BID_ACTION_BID    = "MPA_BID"
	BID_ACTION_ACCEPT = "MPA_ACCEPT"
	BID_ACTION_CANCEL = "MPA_CANCEL"
	BID_ACTION_REJECT = "MPA_REJECT"

	ORDER_ITEM_STATUS_AWAITING_ESCROW = "awaiting_escrow"
	ORDER_ITEM_STATUS_ESCROW_LOCKED   = "escrow_locked"
	ORDER_ITEM_STATUS_SHIPPING        = "shipping"
	ORDER_ITEM_STATUS_COMPLETE        = "complete"
	ORDER_ITEM_STATUS_REFUNDED        = "refunded"

	PROPOSAL_TYPE_PUBLIC_VOTE = "PUBLIC_VOTE"
	PROPOSAL_TYPE_ITEM_VOTE   = "ITEM_VOTE"

	ITEM_VOTE_OPTION_KEEP   uint32 = 0
	ITEM_VOTE_OPTION_REMOVE uint32 = 1

	MSG_DIRECTION_INBOUND  = "inbound"
	MSG_DIRECTION_OUTBOUND = "outbound"

	MSG_STATUS_RECEIVED          = "received"
	MSG_STATUS_PROCESSED         = "processed"
	MSG_STATUS_WAITING           = "waiting"
	MSG_STATUS_PROCESSING_FAILED = "processing_failed"
	MSG_STATUS_PARSING_FAILED    = "parsing_failed"
	MSG_STATUS_SENT              = "sent"

	// MSG_MAX_RETRIES bounds re-delivery of waiting messages. A message
	// still waiting after this many attempts stays parked until the
	// referenced entity arrives through some other path.
	MSG_MAX_RETRIES = 10
)
