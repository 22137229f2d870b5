package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-errors/errors"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	log "github.com/sirupsen/logrus"

	"github.com/marketnet/market-node/internal/config"
	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/state"
	"github.com/marketnet/market-node/internal/types"
)

var (
	messageTopic   *pubsub.Topic
	messageTopicMu sync.RWMutex
)

func (lp *LibP2PService) setTopic(topic *pubsub.Topic) {
	messageTopicMu.Lock()
	defer messageTopicMu.Unlock()
	messageTopic = topic
}

func currentTopic() *pubsub.Topic {
	messageTopicMu.RLock()
	defer messageTopicMu.RUnlock()
	return messageTopic
}

func handleHandshake(s network.Stream, node host.Host) {
	buf := make([]byte, 1024)
	n, err := s.Read(buf)
	if err != nil {
		log.Errorf("Error reading handshake message: %v", err)
		return
	}

	handshakeMsg := buf[:n]
	if !bytes.Equal(handshakeMsg, []byte(expectedHandshake)) {
		log.Warn("Invalid handshake message received, closing connection")
		s.Reset()
		node.Network().ClosePeer(s.Conn().RemotePeer())
		return
	}

	if _, err = s.Write(handshakeMsg); err != nil {
		log.Errorf("Error writing handshake response: %v", err)
		return
	}
	log.Debug("Handshake successful")
}

// Send publishes one protocol message to the gossip topic and records it as
// outbound. Directed messages carry a receiver address; every node sees the
// envelope but only the addressed node processes it.
func (lp *LibP2PService) Send(ctx context.Context, msg *types.MarketMessage) (*types.SendResult, error) {
	topic := currentTopic()
	if topic == nil {
		return nil, errors.New("message topic not joined yet")
	}

	envelope := Envelope{
		MsgID:         msg.MsgID,
		Action:        msg.Action,
		Sender:        msg.Sender,
		Receiver:      msg.Receiver,
		Payload:       msg.Payload,
		SentAt:        msg.Delivery.SentAt,
		ExpiresAt:     msg.Delivery.ExpiresAt,
		RetentionDays: msg.Delivery.RetentionDays,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	if _, err := lp.state.RecordOutboundMessage(msg); err != nil {
		return nil, err
	}
	if err := topic.Publish(ctx, body); err != nil {
		log.Errorf("Failed to publish message %s: %v", msg.MsgID, err)
		return &types.SendResult{Result: "Send failed.", MsgID: msg.MsgID, Error: err.Error()}, nil
	}

	log.Debugf("Published message %s (%s) to %s", msg.MsgID, msg.Action, msg.Receiver)
	return &types.SendResult{Result: "Sent.", MsgID: msg.MsgID}, nil
}

func (lp *LibP2PService) handlePubSubMessages(ctx context.Context, sub *pubsub.Subscription, node host.Host) {
	for {
		select {
		case <-ctx.Done():
			log.Info("Context cancelled, exiting handlePubSubMessages")
			return
		default:
			msg, err := sub.Next(ctx)
			if err != nil {
				log.Errorf("Error reading message from pubsub: %v", err)
				continue
			}

			if msg.ReceivedFrom == node.ID() {
				log.Debug("Received message from self, ignore")
				continue
			}

			var envelope Envelope
			if err := json.Unmarshal(msg.Data, &envelope); err != nil {
				log.Errorf("Error unmarshaling pubsub message: %v", err)
				continue
			}
			lp.acceptEnvelope(envelope)
		}
	}
}

// acceptEnvelope filters, deduplicates and records an inbound envelope, then
// hands it to the router goroutine via the event bus. A message that already
// reached the processed status is never re-delivered.
func (lp *LibP2PService) acceptEnvelope(envelope Envelope) {
	if envelope.Receiver != "" && envelope.Receiver != config.AppConfig.NodeAddress {
		return
	}
	if envelope.Sender == config.AppConfig.NodeAddress {
		return
	}
	if envelope.ExpiresAt > 0 && envelope.ExpiresAt < time.Now().Unix() {
		log.Debugf("Message %s expired, dropping", envelope.MsgID)
		return
	}

	inbound := &types.MarketMessage{
		MsgID:    envelope.MsgID,
		Action:   envelope.Action,
		Sender:   envelope.Sender,
		Receiver: envelope.Receiver,
		Payload:  envelope.Payload,
		Delivery: types.DeliveryInfo{
			SentAt:        envelope.SentAt,
			ReceivedAt:    time.Now().Unix(),
			ExpiresAt:     envelope.ExpiresAt,
			RetentionDays: envelope.RetentionDays,
		},
	}
	record, known, err := lp.state.RecordInboundMessage(inbound)
	if err != nil {
		log.Errorf("Failed to record inbound message %s: %v", envelope.MsgID, err)
		return
	}
	if known && record.Status == db.MSG_STATUS_PROCESSED {
		log.Debugf("Message %s already processed, ignore", envelope.MsgID)
		return
	}

	lp.state.EventBus.Publish(state.MessageReceived, inbound)
}

func (lp *LibP2PService) handleHeartbeatMessages(ctx context.Context, sub *pubsub.Subscription, node host.Host) {
	for {
		select {
		case <-ctx.Done():
			log.Info("Context cancelled, exiting handleHeartbeatMessages")
			return
		default:
			msg, err := sub.Next(ctx)
			if err != nil {
				log.Errorf("Error reading heartbeat message from pubsub: %v", err)
				continue
			}

			if msg.ReceivedFrom == node.ID() {
				continue
			}

			var hbMsg HeartbeatMessage
			if err := json.Unmarshal(msg.Data, &hbMsg); err != nil {
				log.Errorf("Error unmarshaling heartbeat message: %v", err)
				continue
			}
			log.Debugf("Received heartbeat from %s (%s)", hbMsg.PeerID, hbMsg.Address)
		}
	}
}

// retryWaitingMessages periodically re-delivers parked inbound messages.
// A message waits when it referenced an entity that had not arrived yet;
// re-routing after the interval gives the missing entity time to propagate.
func (lp *LibP2PService) retryWaitingMessages(ctx context.Context) {
	ticker := time.NewTicker(config.AppConfig.MsgRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			waiting, err := lp.state.GetWaitingMessages()
			if err != nil {
				log.Errorf("Failed to load waiting messages: %v", err)
				continue
			}
			for _, record := range waiting {
				inbound := &types.MarketMessage{
					MsgID:    record.MsgID,
					Action:   record.Action,
					Sender:   record.Sender,
					Receiver: record.Receiver,
					Payload:  record.Payload,
					Delivery: types.DeliveryInfo{
						SentAt:     record.SentAt,
						ReceivedAt: record.ReceivedAt,
						ExpiresAt:  record.ExpiresAt,
					},
				}
				lp.state.EventBus.Publish(state.MessageReceived, inbound)
			}
			if len(waiting) > 0 {
				log.Infof("Re-delivered %d waiting messages to the router", len(waiting))
			}
		}
	}
}
