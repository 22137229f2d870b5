package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/marketnet/market-node/internal/bid"
	"github.com/marketnet/market-node/internal/config"
	"github.com/marketnet/market-node/internal/db"
	"github.com/marketnet/market-node/internal/escrow"
	"github.com/marketnet/market-node/internal/governance"
	"github.com/marketnet/market-node/internal/http"
	"github.com/marketnet/market-node/internal/message"
	"github.com/marketnet/market-node/internal/p2p"
	"github.com/marketnet/market-node/internal/state"
	"github.com/marketnet/market-node/internal/wallet"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	DatabaseManager  *db.DatabaseManager
	State            *state.State
	LibP2PService    *p2p.LibP2PService
	HTTPServer       *http.HTTPServer
	MessageService   *message.Service
	BidEngine        *bid.Engine
	GovernanceEngine *governance.Engine
}

func NewApplication() *Application {
	config.InitConfig()

	walletClient := wallet.NewRPCClientFromConfig()
	btcNetwork := wallet.GetBTCNetwork(config.AppConfig.BTCNetworkType)

	dbm := db.NewDatabaseManager()
	st := state.InitializeState(dbm)
	libP2PService := p2p.NewLibP2PService(st)

	selector := wallet.NewSelector(walletClient, config.AppConfig.TxFee)
	escrowBuilder := escrow.NewBuilder(walletClient, btcNetwork, config.AppConfig.TxFee, config.AppConfig.EscrowRatio)
	bidEngine := bid.NewEngine(st, walletClient, selector, escrowBuilder, libP2PService,
		config.AppConfig.NodeAddress, config.AppConfig.MsgRetentionDays)
	governanceEngine := governance.NewEngine(st, walletClient, libP2PService,
		config.AppConfig.NodeAddress, config.AppConfig.MsgRetentionDays)

	router := message.NewRouter(bidEngine, governanceEngine)
	messageService := message.NewService(st, router)
	httpServer := http.NewHTTPServer(st)

	return &Application{
		DatabaseManager:  dbm,
		State:            st,
		LibP2PService:    libP2PService,
		HTTPServer:       httpServer,
		MessageService:   messageService,
		BidEngine:        bidEngine,
		GovernanceEngine: governanceEngine,
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.LibP2PService.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.MessageService.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.HTTPServer.Start(ctx)
	}()

	<-stop
	log.Info("Receiving exit signal...")

	cancel()

	wg.Wait()
	log.Info("Server stopped")
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debugf("No .env file loaded: %v", err)
	}

	app := NewApplication()
	app.Run()
}
