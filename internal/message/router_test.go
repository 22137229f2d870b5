package message_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/marketnet/market-node/internal/message"
	"github.com/marketnet/market-node/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBids struct {
	err      error
	panics   bool
	received []string
}

func (s *stubBids) handle(name string) error {
	if s.panics {
		panic("handler blew up")
	}
	s.received = append(s.received, name)
	return s.err
}

func (s *stubBids) ProcessBidReceived(ctx context.Context, sender string, p types.BidPayload) error {
	return s.handle("bid")
}
func (s *stubBids) ProcessAcceptReceived(ctx context.Context, sender string, p types.AcceptPayload) error {
	return s.handle("accept")
}
func (s *stubBids) ProcessCancelReceived(ctx context.Context, sender string, p types.CancelPayload) error {
	return s.handle("cancel")
}
func (s *stubBids) ProcessRejectReceived(ctx context.Context, sender string, p types.CancelPayload) error {
	return s.handle("reject")
}

type stubGovernance struct {
	err      error
	received []string
}

func (s *stubGovernance) ProcessProposalReceived(ctx context.Context, sender string, p types.ProposalPayload) error {
	s.received = append(s.received, "proposal")
	return s.err
}
func (s *stubGovernance) ProcessVoteReceived(ctx context.Context, sender string, p types.VotePayload) error {
	s.received = append(s.received, "vote")
	return s.err
}

func msg(action string, payload interface{}) *types.MarketMessage {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &types.MarketMessage{MsgID: "m1", Action: action, Sender: "bc1qsender", Payload: body}
}

func TestRouteDispatchesByAction(t *testing.T) {
	bids := &stubBids{}
	gov := &stubGovernance{}
	router := message.NewRouter(bids, gov)
	ctx := context.Background()

	assert.Equal(t, types.StatusProcessed, router.Route(ctx, msg(types.ActionBid, types.BidPayload{})))
	assert.Equal(t, types.StatusProcessed, router.Route(ctx, msg(types.ActionAccept, types.AcceptPayload{})))
	assert.Equal(t, types.StatusProcessed, router.Route(ctx, msg(types.ActionCancel, types.CancelPayload{})))
	assert.Equal(t, types.StatusProcessed, router.Route(ctx, msg(types.ActionReject, types.CancelPayload{})))
	assert.Equal(t, types.StatusProcessed, router.Route(ctx, msg(types.ActionProposalAdd, types.ProposalPayload{})))
	assert.Equal(t, types.StatusProcessed, router.Route(ctx, msg(types.ActionVote, types.VotePayload{})))

	require.Equal(t, []string{"bid", "accept", "cancel", "reject"}, bids.received)
	require.Equal(t, []string{"proposal", "vote"}, gov.received)
}

func TestRouteUnknownAction(t *testing.T) {
	router := message.NewRouter(&stubBids{}, &stubGovernance{})
	assert.Equal(t, types.StatusParsingFailed, router.Route(context.Background(), msg("MPA_WHATEVER", struct{}{})))
}

func TestRouteUndecodablePayload(t *testing.T) {
	router := message.NewRouter(&stubBids{}, &stubGovernance{})
	m := &types.MarketMessage{MsgID: "m1", Action: types.ActionBid, Payload: []byte("{broken")}
	assert.Equal(t, types.StatusParsingFailed, router.Route(context.Background(), m))
}

func TestRouteNotFoundParksMessage(t *testing.T) {
	bids := &stubBids{err: &types.NotFoundError{Entity: "listing item", Key: "h"}}
	router := message.NewRouter(bids, &stubGovernance{})
	assert.Equal(t, types.StatusWaiting, router.Route(context.Background(), msg(types.ActionBid, types.BidPayload{})))
}

func TestRouteValidationErrorIsParseFailure(t *testing.T) {
	gov := &stubGovernance{err: &types.ValidationError{Field: "voter", Reason: "mismatch"}}
	router := message.NewRouter(&stubBids{}, gov)
	assert.Equal(t, types.StatusParsingFailed, router.Route(context.Background(), msg(types.ActionVote, types.VotePayload{})))
}

func TestRouteHandlerErrorIsProcessingFailure(t *testing.T) {
	bids := &stubBids{err: errors.New("db locked")}
	router := message.NewRouter(bids, &stubGovernance{})
	assert.Equal(t, types.StatusProcessingFailed, router.Route(context.Background(), msg(types.ActionBid, types.BidPayload{})))
}

func TestRouteStateConflictIsProcessingFailure(t *testing.T) {
	bids := &stubBids{err: &types.StateConflictError{Entity: "bid", Current: "accepted"}}
	router := message.NewRouter(bids, &stubGovernance{})
	assert.Equal(t, types.StatusProcessingFailed, router.Route(context.Background(), msg(types.ActionCancel, types.CancelPayload{})))
}

func TestRouteRecoversFromPanic(t *testing.T) {
	bids := &stubBids{panics: true}
	router := message.NewRouter(bids, &stubGovernance{})
	assert.Equal(t, types.StatusProcessingFailed, router.Route(context.Background(), msg(types.ActionBid, types.BidPayload{})))
}
