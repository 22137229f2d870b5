package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/marketnet/market-node/internal/config"
	"github.com/marketnet/market-node/internal/state"
)

// HTTPServer exposes a read-only view of the node's negotiation and
// governance state. Mutations go through the protocol engines, never
// through HTTP.
type HTTPServer struct {
	state *state.State
}

func NewHTTPServer(st *state.State) *HTTPServer {
	return &HTTPServer{state: st}
}

func (hs *HTTPServer) Start(ctx context.Context) {
	r := gin.Default()

	r.GET("/api/v1/health", hs.handleHealth)
	r.GET("/api/v1/listings/:hash", hs.handleListing)
	r.GET("/api/v1/bids", hs.handleBids)
	r.GET("/api/v1/bids/:id/order", hs.handleBidOrder)
	r.GET("/api/v1/proposals", hs.handleProposals)
	r.GET("/api/v1/proposals/:hash/result", hs.handleProposalResult)

	// Use configuration port
	addr := ":" + config.AppConfig.HTTPPort
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Infof("HTTP server is running on port %s", config.AppConfig.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown error: %v", err)
	}
	log.Info("HTTP server has stopped.")
}

func (hs *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node_address": config.AppConfig.NodeAddress})
}

func (hs *HTTPServer) handleListing(c *gin.Context) {
	item, err := hs.state.GetListingItemByHash(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (hs *HTTPServer) handleBids(c *gin.Context) {
	action := c.DefaultQuery("action", "MPA_BID")
	bids, err := hs.state.GetBidsByAction(action)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": bids})
}

func (hs *HTTPServer) handleBidOrder(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bid id"})
		return
	}
	o, err := hs.state.GetOrderByBid(uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	items, err := hs.state.GetOrderItems(o.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"order": o, "items": items}})
}

func (hs *HTTPServer) handleProposals(c *gin.Context) {
	proposals, err := hs.state.GetProposals()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": proposals})
}

func (hs *HTTPServer) handleProposalResult(c *gin.Context) {
	proposal, err := hs.state.GetProposalByHash(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	result, optionResults, err := hs.state.GetProposalResult(proposal.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"result": result, "options": optionResults}})
}
