package message

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/marketnet/market-node/internal/types"
	log "github.com/sirupsen/logrus"
)

// BidHandler is the bid negotiation engine as seen by the router.
type BidHandler interface {
	ProcessBidReceived(ctx context.Context, sender string, payload types.BidPayload) error
	ProcessAcceptReceived(ctx context.Context, sender string, payload types.AcceptPayload) error
	ProcessCancelReceived(ctx context.Context, sender string, payload types.CancelPayload) error
	ProcessRejectReceived(ctx context.Context, sender string, payload types.CancelPayload) error
}

// GovernanceHandler is the proposal/vote engine as seen by the router.
type GovernanceHandler interface {
	ProcessProposalReceived(ctx context.Context, sender string, payload types.ProposalPayload) error
	ProcessVoteReceived(ctx context.Context, sender string, payload types.VotePayload) error
}

// Router dispatches one inbound protocol message to its handler and maps
// the outcome to a processing status. Handler errors never escape: a
// missing referenced entity parks the message for retry, undecodable
// payloads and unknown actions are parse failures, everything else is a
// processing failure. The transport owns retry scheduling off these
// statuses and must never re-deliver a PROCESSED message.
type Router struct {
	bids       BidHandler
	governance GovernanceHandler
}

func NewRouter(bids BidHandler, governance GovernanceHandler) *Router {
	return &Router{bids: bids, governance: governance}
}

func (r *Router) Route(ctx context.Context, msg *types.MarketMessage) (status types.ProcessingStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("Panic processing message %s (%s): %v", msg.MsgID, msg.Action, rec)
			status = types.StatusProcessingFailed
		}
	}()

	var err error
	switch msg.Action {
	case types.ActionBid:
		var payload types.BidPayload
		if err = json.Unmarshal(msg.Payload, &payload); err == nil {
			err = r.bids.ProcessBidReceived(ctx, msg.Sender, payload)
		}
	case types.ActionAccept:
		var payload types.AcceptPayload
		if err = json.Unmarshal(msg.Payload, &payload); err == nil {
			err = r.bids.ProcessAcceptReceived(ctx, msg.Sender, payload)
		}
	case types.ActionCancel:
		var payload types.CancelPayload
		if err = json.Unmarshal(msg.Payload, &payload); err == nil {
			err = r.bids.ProcessCancelReceived(ctx, msg.Sender, payload)
		}
	case types.ActionReject:
		var payload types.CancelPayload
		if err = json.Unmarshal(msg.Payload, &payload); err == nil {
			err = r.bids.ProcessRejectReceived(ctx, msg.Sender, payload)
		}
	case types.ActionProposalAdd:
		var payload types.ProposalPayload
		if err = json.Unmarshal(msg.Payload, &payload); err == nil {
			err = r.governance.ProcessProposalReceived(ctx, msg.Sender, payload)
		}
	case types.ActionVote:
		var payload types.VotePayload
		if err = json.Unmarshal(msg.Payload, &payload); err == nil {
			err = r.governance.ProcessVoteReceived(ctx, msg.Sender, payload)
		}
	default:
		log.Warnf("Message %s carries unknown action %s", msg.MsgID, msg.Action)
		return types.StatusParsingFailed
	}

	return statusForError(msg, err)
}

func statusForError(msg *types.MarketMessage, err error) types.ProcessingStatus {
	if err == nil {
		return types.StatusProcessed
	}

	var jsonSyntax *json.SyntaxError
	var jsonType *json.UnmarshalTypeError
	var validation *types.ValidationError
	var notFound *types.NotFoundError
	switch {
	case errors.As(err, &jsonSyntax), errors.As(err, &jsonType):
		log.Warnf("Message %s (%s) payload undecodable: %v", msg.MsgID, msg.Action, err)
		return types.StatusParsingFailed
	case errors.As(err, &validation):
		log.Warnf("Message %s (%s) rejected: %v", msg.MsgID, msg.Action, err)
		return types.StatusParsingFailed
	case errors.As(err, &notFound):
		// The referenced entity may simply not have propagated yet.
		log.Debugf("Message %s (%s) waiting: %v", msg.MsgID, msg.Action, err)
		return types.StatusWaiting
	default:
		log.Errorf("Message %s (%s) failed: %v", msg.MsgID, msg.Action, err)
		return types.StatusProcessingFailed
	}
}
