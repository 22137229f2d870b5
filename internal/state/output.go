package state

import (
	"fmt"
	"time"

	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/types"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LockOutputs reserves the given outputs for a bid. The check and the
// insert happen under outputMu in one transaction, and the unique index on
// (txid, vout) backs the same invariant at the database level: an output
// can never be held by two active locks.
func (s *State) LockOutputs(bidID uint, outputs []types.PrevOutput) error {
	s.outputMu.Lock()
	defer s.outputMu.Unlock()

	return s.dbm.GetMarketDB().Transaction(func(tx *gorm.DB) error {
		for _, output := range outputs {
			var count int64
			err := tx.Model(&db.LockedOutput{}).Where("txid = ? AND vout = ?", output.Txid, output.Vout).Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("output %s:%d is already locked", output.Txid, output.Vout)
			}
		}
		for _, output := range outputs {
			locked := &db.LockedOutput{
				Txid:      output.Txid,
				Vout:      output.Vout,
				Amount:    output.Amount,
				BidID:     bidID,
				UpdatedAt: time.Now(),
			}
			if err := tx.Create(locked).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseOutputs removes every lock held by a bid. Releasing a bid with no
// locks is not an error.
func (s *State) ReleaseOutputs(bidID uint) error {
	s.outputMu.Lock()
	defer s.outputMu.Unlock()

	result := s.dbm.GetMarketDB().Where("bid_id = ?", bidID).Delete(&db.LockedOutput{})
	if result.Error != nil {
		log.Errorf("State ReleaseOutputs bid %d error: %v", bidID, result.Error)
		return result.Error
	}
	log.Debugf("State ReleaseOutputs bid %d, released %d outputs", bidID, result.RowsAffected)
	return nil
}

// GetLockedOutputs returns the active locks for a bid.
func (s *State) GetLockedOutputs(bidID uint) ([]*db.LockedOutput, error) {
	var locked []*db.LockedOutput
	result := s.dbm.GetMarketDB().Where("bid_id = ?", bidID).Find(&locked)
	if result.Error != nil {
		return nil, result.Error
	}
	return locked, nil
}

// IsOutputLocked reports whether any active lock holds the output.
func (s *State) IsOutputLocked(txid string, vout uint32) (bool, error) {
	var count int64
	err := s.dbm.GetMarketDB().Model(&db.LockedOutput{}).Where("txid = ? AND vout = ?", txid, vout).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
