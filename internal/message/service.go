package message

import (
	"context"

	"github.com/marketnet/market-node/internal/state"
	"github.com/marketnet/market-node/internal/types"
	log "github.com/sirupsen/logrus"
)

// Service consumes inbound messages off the event bus, routes each one and
// writes the resulting status back. One unit of work per message; there is
// no cross-message ordering guarantee, the engines' own guards handle
// reordering and duplication.
type Service struct {
	state  *state.State
	router *Router
}

func NewService(st *state.State, router *Router) *Service {
	return &Service{state: st, router: router}
}

func (s *Service) Start(ctx context.Context) {
	ch := make(chan interface{}, state.MESSAGE_CHAN_LENGTH)
	s.state.EventBus.Subscribe(state.MessageReceived, ch)
	defer s.state.EventBus.Unsubscribe(state.MessageReceived, ch)

	log.Info("Message service started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Message service is stopping...")
			return
		case event := <-ch:
			msg, ok := event.(*types.MarketMessage)
			if !ok {
				log.Errorf("Unexpected event payload %T on message channel", event)
				continue
			}
			status := s.router.Route(ctx, msg)
			if err := s.state.UpdateMessageStatus(msg.MsgID, status); err != nil {
				log.Errorf("Failed to update message %s status to %s: %v", msg.MsgID, status, err)
			}
		}
	}
}
