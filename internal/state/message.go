package state

import (
	"errors"
	"time"

	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/types"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecordInboundMessage stores a newly received protocol message. Messages are
// deduplicated by MsgID: a replayed or re-gossiped message returns the
// existing row and alreadyKnown true, and a message that already reached
// "processed" must never be handed to the router again.
func (s *State) RecordInboundMessage(msg *types.MarketMessage) (*db.MarketMessage, bool, error) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	var existing db.MarketMessage
	err := s.dbm.GetMessageDB().Where("msg_id = ?", msg.MsgID).First(&existing).Error
	if err == nil {
		return &existing, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	record := &db.MarketMessage{
		MsgID:      msg.MsgID,
		Action:     msg.Action,
		Direction:  db.MSG_DIRECTION_INBOUND,
		Sender:     msg.Sender,
		Receiver:   msg.Receiver,
		Payload:    msg.Payload,
		Status:     db.MSG_STATUS_RECEIVED,
		SentAt:     msg.Delivery.SentAt,
		ExpiresAt:  msg.Delivery.ExpiresAt,
		ReceivedAt: time.Now().Unix(),
		UpdatedAt:  time.Now(),
	}
	if err := s.dbm.GetMessageDB().Create(record).Error; err != nil {
		log.Errorf("State RecordInboundMessage %s error: %v", msg.MsgID, err)
		return nil, false, err
	}
	return record, false, nil
}

// RecordOutboundMessage stores a message this node published.
func (s *State) RecordOutboundMessage(msg *types.MarketMessage) (*db.MarketMessage, error) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	record := &db.MarketMessage{
		MsgID:     msg.MsgID,
		Action:    msg.Action,
		Direction: db.MSG_DIRECTION_OUTBOUND,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Payload:   msg.Payload,
		Status:    db.MSG_STATUS_SENT,
		SentAt:    time.Now().Unix(),
		ExpiresAt: msg.Delivery.ExpiresAt,
		UpdatedAt: time.Now(),
	}
	if err := s.dbm.GetMessageDB().Create(record).Error; err != nil {
		log.Errorf("State RecordOutboundMessage %s error: %v", msg.MsgID, err)
		return nil, err
	}
	return record, nil
}

// UpdateMessageStatus records the routing outcome for an inbound message.
// A waiting outcome bumps the retry counter; past MSG_MAX_RETRIES the
// message drops out of the retry loop.
func (s *State) UpdateMessageStatus(msgID string, status types.ProcessingStatus) error {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	var record db.MarketMessage
	err := s.dbm.GetMessageDB().Where("msg_id = ?", msgID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &types.NotFoundError{Entity: "message", Key: msgID}
		}
		return err
	}

	record.Status = messageStatus(status)
	if status == types.StatusWaiting {
		record.Retries++
	}
	record.UpdatedAt = time.Now()
	if err := s.dbm.GetMessageDB().Save(&record).Error; err != nil {
		log.Errorf("State UpdateMessageStatus %s -> %s error: %v", msgID, record.Status, err)
		return err
	}
	return nil
}

// GetWaitingMessages lists inbound messages parked for retry, oldest first.
// Messages past the retry cap are excluded.
func (s *State) GetWaitingMessages() ([]*db.MarketMessage, error) {
	s.msgMu.RLock()
	defer s.msgMu.RUnlock()

	var messages []*db.MarketMessage
	result := s.dbm.GetMessageDB().
		Where("direction = ? AND status = ? AND retries < ?",
			db.MSG_DIRECTION_INBOUND, db.MSG_STATUS_WAITING, db.MSG_MAX_RETRIES).
		Order("id asc").Find(&messages)
	if result.Error != nil {
		return nil, result.Error
	}
	return messages, nil
}

// GetMessage finds one message record by MsgID.
func (s *State) GetMessage(msgID string) (*db.MarketMessage, error) {
	s.msgMu.RLock()
	defer s.msgMu.RUnlock()

	var record db.MarketMessage
	err := s.dbm.GetMessageDB().Where("msg_id = ?", msgID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &types.NotFoundError{Entity: "message", Key: msgID}
		}
		return nil, err
	}
	return &record, nil
}

func messageStatus(status types.ProcessingStatus) string {
	switch status {
	case types.StatusProcessed:
		return db.MSG_STATUS_PROCESSED
	case types.StatusWaiting:
		return db.MSG_STATUS_WAITING
	case types.StatusParsingFailed:
		return db.MSG_STATUS_PARSING_FAILED
	default:
		return db.MSG_STATUS_PROCESSING_FAILED
	}
}
