package state

import (
	"errors"
	"time"

	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/types"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CreateProposal persists a proposal and its options in one transaction.
func (s *State) CreateProposal(proposal *db.Proposal, options []*db.ProposalOption) error {
	s.govMu.Lock()
	defer s.govMu.Unlock()

	return s.dbm.GetGovernanceDB().Transaction(func(tx *gorm.DB) error {
		proposal.UpdatedAt = time.Now()
		if err := tx.Create(proposal).Error; err != nil {
			return err
		}
		for _, option := range options {
			option.ProposalID = proposal.ID
			if err := tx.Create(option).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetProposalByHash finds a proposal by its content hash.
func (s *State) GetProposalByHash(hash string) (*db.Proposal, error) {
	s.govMu.RLock()
	defer s.govMu.RUnlock()

	var proposal db.Proposal
	result := s.dbm.GetGovernanceDB().Where("hash = ?", hash).First(&proposal)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFoundError{Entity: "proposal", Key: hash}
		}
		return nil, result.Error
	}
	return &proposal, nil
}

// GetProposalOptions lists a proposal's options ordered by option id.
func (s *State) GetProposalOptions(proposalID uint) ([]*db.ProposalOption, error) {
	var options []*db.ProposalOption
	result := s.dbm.GetGovernanceDB().Where("proposal_id = ?", proposalID).Order("option_id asc").Find(&options)
	if result.Error != nil {
		return nil, result.Error
	}
	return options, nil
}

// UpsertVote creates or updates the single vote row for (proposal, voter).
// A later vote from the same voter replaces the earlier choice, only the
// latest vote counts.
func (s *State) UpsertVote(proposalID uint, voter string, optionID uint32, block uint64, weight int64) (*db.Vote, error) {
	s.govMu.Lock()
	defer s.govMu.Unlock()

	var vote db.Vote
	err := s.dbm.GetGovernanceDB().Where("proposal_id = ? AND voter = ?", proposalID, voter).First(&vote).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		vote = db.Vote{
			ProposalID: proposalID,
			Voter:      voter,
		}
	}
	vote.ProposalOptionID = optionID
	vote.Block = block
	vote.Weight = weight
	vote.UpdatedAt = time.Now()

	if err := s.dbm.GetGovernanceDB().Save(&vote).Error; err != nil {
		log.Errorf("State UpsertVote proposal %d voter %s error: %v", proposalID, voter, err)
		return nil, err
	}
	return &vote, nil
}

// GetVotes lists all current votes for a proposal.
func (s *State) GetVotes(proposalID uint) ([]*db.Vote, error) {
	s.govMu.RLock()
	defer s.govMu.RUnlock()

	var votes []*db.Vote
	result := s.dbm.GetGovernanceDB().Where("proposal_id = ?", proposalID).Find(&votes)
	if result.Error != nil {
		return nil, result.Error
	}
	return votes, nil
}

// SaveProposalResult replaces the tally snapshot for a proposal. The old
// snapshot is dropped and the new one written in one transaction so readers
// never see a half-updated tally.
func (s *State) SaveProposalResult(result *db.ProposalResult, optionResults []*db.ProposalOptionResult) error {
	s.govMu.Lock()
	defer s.govMu.Unlock()

	return s.dbm.GetGovernanceDB().Transaction(func(tx *gorm.DB) error {
		var existing db.ProposalResult
		err := tx.Where("proposal_id = ?", result.ProposalID).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			if err := tx.Where("proposal_result_id = ?", existing.ID).Delete(&db.ProposalOptionResult{}).Error; err != nil {
				return err
			}
			result.ID = existing.ID
		}
		result.CalculatedAt = time.Now()
		if err := tx.Save(result).Error; err != nil {
			return err
		}
		for _, optionResult := range optionResults {
			optionResult.ProposalResultID = result.ID
			if err := tx.Create(optionResult).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetProposalResult reads the current tally snapshot for a proposal.
func (s *State) GetProposalResult(proposalID uint) (*db.ProposalResult, []*db.ProposalOptionResult, error) {
	s.govMu.RLock()
	defer s.govMu.RUnlock()

	var result db.ProposalResult
	err := s.dbm.GetGovernanceDB().Where("proposal_id = ?", proposalID).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, &types.NotFoundError{Entity: "proposal result", Key: "proposal"}
		}
		return nil, nil, err
	}
	var optionResults []*db.ProposalOptionResult
	err = s.dbm.GetGovernanceDB().Where("proposal_result_id = ?", result.ID).Order("proposal_option_id asc").Find(&optionResults).Error
	if err != nil {
		return nil, nil, err
	}
	return &result, optionResults, nil
}

// GetProposals lists proposals, newest first.
func (s *State) GetProposals() ([]*db.Proposal, error) {
	var proposals []*db.Proposal
	result := s.dbm.GetGovernanceDB().Order("id desc").Find(&proposals)
	if result.Error != nil {
		return nil, result.Error
	}
	return proposals, nil
}
