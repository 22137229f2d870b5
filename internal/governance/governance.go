package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/state"
	"github.com/marketnet/market-node/internal/types"
	"github.com/marketnet/market-node/internal/wallet"
	log "github.com/sirupsen/logrus"
)

const (
	// Removal policy for ITEM_VOTE proposals. The remove option must carry
	// more than REMOVE_WEIGHT_THRESHOLD whole coins of vote weight AND more
	// than REMOVE_SHARE_THRESHOLD of the remove+keep weight. Each node acts
	// on its own tally, there is no global consensus step.
	REMOVE_WEIGHT_THRESHOLD = 10
	REMOVE_SHARE_THRESHOLD  = 0.3
)

// Transport publishes one protocol message to the network.
type Transport interface {
	Send(ctx context.Context, msg *types.MarketMessage) (*types.SendResult, error)
}

// Engine owns proposals, votes and the tally snapshots. Tally recomputation
// is a full resum over all current votes every time, so duplicate or
// reordered vote messages are harmless.
type Engine struct {
	state     *state.State
	wallet    wallet.Client
	transport Transport

	nodeAddress   string
	retentionDays int
}

func NewEngine(st *state.State, w wallet.Client, transport Transport, nodeAddress string, retentionDays int) *Engine {
	return &Engine{
		state:         st,
		wallet:        w,
		transport:     transport,
		nodeAddress:   nodeAddress,
		retentionDays: retentionDays,
	}
}

// Propose publishes a new proposal. The content hash is computed over the
// canonical fields and becomes the proposal's cross-node identity; option
// hashes derive from it.
func (e *Engine) Propose(ctx context.Context, proposalType, title, description, itemHash string, blockStart, blockEnd uint64, optionDescriptions []string) (*db.Proposal, error) {
	if proposalType != db.PROPOSAL_TYPE_PUBLIC_VOTE && proposalType != db.PROPOSAL_TYPE_ITEM_VOTE {
		return nil, &types.ValidationError{Field: "type", Reason: "unknown proposal type"}
	}
	if len(optionDescriptions) < 2 {
		return nil, &types.ValidationError{Field: "options", Reason: "a proposal needs at least two options"}
	}
	if proposalType == db.PROPOSAL_TYPE_ITEM_VOTE && itemHash == "" {
		return nil, &types.ValidationError{Field: "item_hash", Reason: "item vote without a listing"}
	}

	payload := types.ProposalPayload{
		Submitter:   e.nodeAddress,
		Type:        proposalType,
		Title:       title,
		Description: description,
		ItemHash:    itemHash,
		BlockStart:  blockStart,
		BlockEnd:    blockEnd,
	}
	for i, desc := range optionDescriptions {
		payload.Options = append(payload.Options, types.ProposalOptionPayload{OptionID: uint32(i), Description: desc})
	}
	payload.Hash = types.HashProposal(payload)
	for i := range payload.Options {
		payload.Options[i].Hash = types.HashProposalOption(payload.Hash, payload.Options[i].OptionID, payload.Options[i].Description)
	}

	proposal, options := toRecords(payload)
	if err := e.state.CreateProposal(proposal, options); err != nil {
		return nil, err
	}

	if err := e.broadcast(ctx, types.ActionProposalAdd, payload); err != nil {
		return nil, err
	}
	log.Infof("Proposal %s published, type %s, %d options", payload.Hash, proposalType, len(options))
	return proposal, nil
}

// Vote casts this node's vote on a proposal. The vote weight is the wallet's
// spendable balance in whole coins at the time of voting. The local tally is
// recomputed immediately; the network learns via MP_VOTE.
func (e *Engine) Vote(ctx context.Context, proposalHash string, optionID uint32, block uint64) error {
	proposal, err := e.state.GetProposalByHash(proposalHash)
	if err != nil {
		return err
	}
	if err := e.checkOption(proposal.ID, optionID); err != nil {
		return err
	}

	weight, err := e.spendableWeight()
	if err != nil {
		return err
	}

	if _, err := e.state.UpsertVote(proposal.ID, e.nodeAddress, optionID, block, weight); err != nil {
		return err
	}
	if err := e.recomputeTally(proposal); err != nil {
		return err
	}

	payload := types.VotePayload{
		ProposalHash: proposalHash,
		OptionID:     optionID,
		Voter:        e.nodeAddress,
		Block:        block,
		Weight:       weight,
	}
	return e.broadcast(ctx, types.ActionVote, payload)
}

// ProcessProposalReceived handles an inbound MP_PROPOSAL_ADD. Proposals are
// unauthenticated application data, so the recomputed content hash is the
// sole integrity gate: the claimed hash is stripped, the hash recomputed and
// compared. A proposal already known by hash is accepted silently.
func (e *Engine) ProcessProposalReceived(ctx context.Context, sender string, payload types.ProposalPayload) error {
	claimed := payload.Hash
	stripped := payload
	stripped.Hash = ""
	stripped.Options = make([]types.ProposalOptionPayload, len(payload.Options))
	for i, opt := range payload.Options {
		opt.Hash = ""
		stripped.Options[i] = opt
	}
	computed := types.HashProposal(stripped)
	if computed != claimed {
		return &types.IntegrityError{Entity: "proposal", Claimed: claimed, Computed: computed}
	}

	if _, err := e.state.GetProposalByHash(claimed); err == nil {
		log.Debugf("Proposal %s already known, ignoring duplicate", claimed)
		return nil
	} else if _, ok := err.(*types.NotFoundError); !ok {
		return err
	}

	// Option hashes are rederived rather than trusted.
	for i := range payload.Options {
		payload.Options[i].Hash = types.HashProposalOption(claimed, payload.Options[i].OptionID, payload.Options[i].Description)
	}
	proposal, options := toRecords(payload)
	if err := e.state.CreateProposal(proposal, options); err != nil {
		return err
	}
	log.Infof("Proposal %s received from %s", claimed, sender)
	return nil
}

// ProcessVoteReceived handles an inbound MP_VOTE. The claimed voter must be
// the authenticated sender. The full tally is recomputed afterwards every
// time, never adjusted incrementally, so retries and duplicates are safe.
func (e *Engine) ProcessVoteReceived(ctx context.Context, sender string, payload types.VotePayload) error {
	if payload.Voter != sender {
		return &types.ValidationError{Field: "voter", Reason: "claimed voter is not the message sender"}
	}
	proposal, err := e.state.GetProposalByHash(payload.ProposalHash)
	if err != nil {
		return err
	}
	if err := e.checkOption(proposal.ID, payload.OptionID); err != nil {
		return err
	}

	if _, err := e.state.UpsertVote(proposal.ID, payload.Voter, payload.OptionID, payload.Block, payload.Weight); err != nil {
		return err
	}
	return e.recomputeTally(proposal)
}

// recomputeTally resums every current vote grouped by option, replaces the
// stored snapshot and applies the ITEM_VOTE removal policy.
func (e *Engine) recomputeTally(proposal *db.Proposal) error {
	votes, err := e.state.GetVotes(proposal.ID)
	if err != nil {
		return err
	}
	options, err := e.state.GetProposalOptions(proposal.ID)
	if err != nil {
		return err
	}

	var block uint64
	byOption := make(map[uint32]*db.ProposalOptionResult, len(options))
	optionResults := make([]*db.ProposalOptionResult, 0, len(options))
	for _, opt := range options {
		r := &db.ProposalOptionResult{ProposalOptionID: opt.OptionID}
		byOption[opt.OptionID] = r
		optionResults = append(optionResults, r)
	}
	for _, v := range votes {
		r, ok := byOption[v.ProposalOptionID]
		if !ok {
			log.Warnf("Vote by %s on proposal %d references unknown option %d", v.Voter, proposal.ID, v.ProposalOptionID)
			continue
		}
		r.Voters++
		r.Weight += v.Weight
		if v.Block > block {
			block = v.Block
		}
	}

	result := &db.ProposalResult{ProposalID: proposal.ID, Block: block}
	if err := e.state.SaveProposalResult(result, optionResults); err != nil {
		return err
	}
	e.state.EventBus.Publish(state.ProposalTallied, proposal.Hash)

	if proposal.Type == db.PROPOSAL_TYPE_ITEM_VOTE {
		return e.applyRemovalPolicy(proposal, byOption)
	}
	return nil
}

func (e *Engine) applyRemovalPolicy(proposal *db.Proposal, byOption map[uint32]*db.ProposalOptionResult) error {
	remove, keep := byOption[db.ITEM_VOTE_OPTION_REMOVE], byOption[db.ITEM_VOTE_OPTION_KEEP]
	if remove == nil || keep == nil {
		return fmt.Errorf("item vote proposal %d without keep/remove options", proposal.ID)
	}
	total := remove.Weight + keep.Weight
	if remove.Weight <= REMOVE_WEIGHT_THRESHOLD || total == 0 {
		return nil
	}
	if float64(remove.Weight)/float64(total) <= REMOVE_SHARE_THRESHOLD {
		return nil
	}

	item, err := e.state.GetListingItemByHash(proposal.ItemHash)
	if err != nil {
		if _, ok := err.(*types.NotFoundError); ok {
			log.Warnf("Item vote %s passed but listing %s is not known locally", proposal.Hash, proposal.ItemHash)
			return nil
		}
		return err
	}
	if item.Removed {
		return nil
	}
	if err := e.state.RemoveListingItem(item.ID); err != nil {
		return err
	}
	e.state.EventBus.Publish(state.ListingRemoved, item.Hash)
	log.Infof("Listing %s removed by item vote %s, remove weight %d of %d", item.Hash, proposal.Hash, remove.Weight, total)
	return nil
}

func (e *Engine) checkOption(proposalID uint, optionID uint32) error {
	options, err := e.state.GetProposalOptions(proposalID)
	if err != nil {
		return err
	}
	for _, opt := range options {
		if opt.OptionID == optionID {
			return nil
		}
	}
	return &types.ValidationError{Field: "option_id", Reason: "no such option on this proposal"}
}

// spendableWeight is the wallet's spendable balance in whole coins.
func (e *Engine) spendableWeight() (int64, error) {
	utxos, err := e.wallet.ListUnspent()
	if err != nil {
		return 0, err
	}
	var sats int64
	for _, u := range utxos {
		if u.Selectable() {
			sats += u.Amount
		}
	}
	return sats / int64(btcutil.SatoshiPerBitcoin), nil
}

func (e *Engine) broadcast(ctx context.Context, action string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now()
	msg := &types.MarketMessage{
		MsgID:   uuid.New().String(),
		Action:  action,
		Sender:  e.nodeAddress,
		Payload: body,
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

func toRecords(payload types.ProposalPayload) (*db.Proposal, []*db.ProposalOption) {
	proposal := &db.Proposal{
		Hash:        payload.Hash,
		Submitter:   payload.Submitter,
		Type:        payload.Type,
		Title:       payload.Title,
		Description: payload.Description,
		ItemHash:    payload.ItemHash,
		BlockStart:  payload.BlockStart,
		BlockEnd:    payload.BlockEnd,
	}
	options := make([]*db.ProposalOption, 0, len(payload.Options))
	for _, opt := range payload.Options {
		options = append(options, &db.ProposalOption{
			OptionID:    opt.OptionID,
			Description: opt.Description,
			Hash:        opt.Hash,
		})
	}
	return proposal, options
}
