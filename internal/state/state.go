package state

import (
	"sync"

	"github.com/marketnet/market-node/internal/db"
	log "github.com/sirupsen/logrus"
)

// State is the persistence facade shared by the negotiation and governance
// engines. Each sub-domain is guarded by its own mutex; there is no global
// lock. Output locking and bid transitions rely on these narrower guards,
// see LockOutputs and UpdateBidAction.
type State struct {
	EventBus *EventBus

	dbm *db.DatabaseManager

	// Separate mutexes for different sub-modules
	listingMu sync.RWMutex
	bidMu     sync.RWMutex
	outputMu  sync.Mutex
	orderMu   sync.RWMutex
	govMu     sync.RWMutex
	msgMu     sync.RWMutex
}

// InitializeState initializes the state facade over the databases.
func InitializeState(dbm *db.DatabaseManager) *State {
	var (
		activeBids       int64
		lockedOutputs    int64
		waitingMessages  int64
		pendingProposals int64
	)

	marketDb := dbm.GetMarketDB()
	governanceDb := dbm.GetGovernanceDB()
	messageDb := dbm.GetMessageDB()

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		if err := marketDb.Model(&db.Bid{}).Where("action = ?", db.BID_ACTION_BID).Count(&activeBids).Error; err != nil {
			log.Warnf("Failed to count active bids: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := marketDb.Model(&db.LockedOutput{}).Count(&lockedOutputs).Error; err != nil {
			log.Warnf("Failed to count locked outputs: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := messageDb.Model(&db.MarketMessage{}).Where("status = ?", db.MSG_STATUS_WAITING).Count(&waitingMessages).Error; err != nil {
			log.Warnf("Failed to count waiting messages: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := governanceDb.Model(&db.Proposal{}).Count(&pendingProposals).Error; err != nil {
			log.Warnf("Failed to count proposals: %v", err)
		}
	}()

	wg.Wait()

	log.Infof("State init on startup, active bids: %d, locked outputs: %d, waiting messages: %d, proposals: %d",
		activeBids, lockedOutputs, waitingMessages, pendingProposals)

	return &State{
		EventBus: NewEventBus(),
		dbm:      dbm,
	}
}
