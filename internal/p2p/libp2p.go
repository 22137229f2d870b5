package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	tcp "github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"

	"github.com/marketnet/market-node/internal/config"
	"github.com/marketnet/market-node/internal/state"
)

const (
	handshakeProtocol  = "/marketnet/market-node/handshake/1.0.0"
	expectedHandshake  = "marketnodehandshake"
	messageTopicName   = "market-messages"
	heartbeatTopicName = "market-heartbeat"
	privKeyFile        = "node_private_key.pem"
)

// LibP2PService is the gossip transport. Outbound protocol messages are
// published to the message topic; inbound ones are recorded and handed to
// the router via the event bus.
type LibP2PService struct {
	state *state.State
}

func NewLibP2PService(st *state.State) *LibP2PService {
	return &LibP2PService{state: st}
}

func (lp *LibP2PService) Start(ctx context.Context) {
	node, ps, err := createNodeWithPubSub(ctx)
	if err != nil {
		log.Fatalf("Failed to create libp2p node: %v", err)
	}

	printNodeAddrInfo(node)

	node.SetStreamHandler(protocol.ID(handshakeProtocol), func(s network.Stream) {
		log.Debug("New handshake stream")
		handleHandshake(s, node)
		s.Close()
	})

	bootNodeAddrs := strings.Split(config.AppConfig.Libp2pBootNodes, ",")
	for _, addr := range bootNodeAddrs {
		if addr == "" {
			continue
		}
		connectToBootNode(ctx, node, addr)
	}

	messageTopic, err := ps.Join(messageTopicName)
	if err != nil {
		log.Fatalf("Failed to join message topic: %v", err)
	}
	lp.setTopic(messageTopic)

	sub, err := messageTopic.Subscribe()
	if err != nil {
		log.Fatalf("Failed to subscribe to message topic: %v", err)
	}

	hbTopic, err := ps.Join(heartbeatTopicName)
	if err != nil {
		log.Fatalf("Failed to join heartbeat topic: %v", err)
	}
	hbSub, err := hbTopic.Subscribe()
	if err != nil {
		log.Fatalf("Failed to subscribe to heartbeat topic: %v", err)
	}

	go lp.handlePubSubMessages(ctx, sub, node)
	go lp.handleHeartbeatMessages(ctx, hbSub, node)
	go startHeartbeat(ctx, node, hbTopic)
	go lp.retryWaitingMessages(ctx)

	<-ctx.Done()

	log.Info("LibP2PService is stopping...")

	if err := node.Close(); err != nil {
		log.Errorf("Error closing libp2p node: %v", err)
	}

	log.Info("LibP2PService has stopped.")
}

func createNodeWithPubSub(ctx context.Context) (host.Host, *pubsub.PubSub, error) {
	privKey, err := loadOrCreatePrivateKey(privKeyFile)
	if err != nil {
		return nil, nil, err
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.AppConfig.Libp2pPort)
	node, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.Transport(tcp.NewTCPTransport), //TCP only
		libp2p.ListenAddrStrings(listenAddr),  // ipv4 only
	)
	if err != nil {
		return nil, nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, node)
	if err != nil {
		return nil, nil, err
	}

	return node, ps, nil
}

func connectToBootNode(ctx context.Context, node host.Host, bootNodeAddr string) {
	multiAddr, err := multiaddr.NewMultiaddr(bootNodeAddr)
	if err != nil {
		log.Errorf("Failed to parse bootnode address: %v", err)
		return
	}

	peerInfo, err := peer.AddrInfoFromP2pAddr(multiAddr)
	if err != nil {
		log.Errorf("Failed to get peer info from address: %v", err)
		return
	}

	node.Peerstore().AddAddrs(peerInfo.ID, peerInfo.Addrs, peerstore.PermanentAddrTTL)
	if err := node.Connect(ctx, *peerInfo); err != nil {
		log.Errorf("Failed to connect to bootnode: %v", err)
		return
	}
	log.Infof("Connected to bootnode: %s", peerInfo.ID.String())

	// Handshake after connect
	s, err := node.NewStream(ctx, peerInfo.ID, protocol.ID(handshakeProtocol))
	if err != nil {
		log.Errorf("Failed to create handshake stream to peer %s: %v", peerInfo.ID, err)
		return
	}

	if _, err = s.Write([]byte(expectedHandshake)); err != nil {
		log.Errorf("Failed to send handshake to peer %s: %v", peerInfo.ID, err)
		s.Reset()
		return
	}
	s.Close()
}

func loadOrCreatePrivateKey(fileName string) (crypto.PrivKey, error) {
	dbDir := config.AppConfig.DbDir
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	pemPath := filepath.Join(dbDir, fileName)
	if _, err := os.Stat(pemPath); err == nil {
		privKeyBytes, err := os.ReadFile(pemPath)
		if err != nil {
			return nil, err
		}
		return crypto.UnmarshalPrivateKey(privKeyBytes)
	}

	privKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, err
	}

	privKeyBytes, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(pemPath, privKeyBytes, 0600); err != nil {
		return nil, err
	}

	return privKey, nil
}

func printNodeAddrInfo(node host.Host) {
	addrs := node.Addrs()
	peerID := node.ID().String()

	for _, addr := range addrs {
		fullAddr := fmt.Sprintf("%s/p2p/%s", addr, peerID)
		log.Infof("Bootnode address: %s", fullAddr)
	}
}

func startHeartbeat(ctx context.Context, node host.Host, topic *pubsub.Topic) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hbMsg := HeartbeatMessage{
				PeerID:    node.ID().String(),
				Address:   config.AppConfig.NodeAddress,
				Timestamp: time.Now().Unix(),
			}
			body, err := json.Marshal(hbMsg)
			if err != nil {
				log.Errorf("Failed to marshal heartbeat message: %v", err)
				continue
			}
			if err := topic.Publish(ctx, body); err != nil {
				log.Errorf("Failed to publish heartbeat message: %v", err)
			} else {
				log.Debugf("Heartbeat message sent by %s", hbMsg.PeerID)
			}

		case <-ctx.Done():
			return
		}
	}
}
