package p2p

// Envelope is the wire shape of one gossip message. Payload encryption and
// sender authentication are handled before the message reaches the engines;
// on this layer the envelope is plain JSON.
type Envelope struct {
	MsgID    string `json:"msg_id"`
	Action   string `json:"action"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
	Payload  []byte `json:"payload"`

	SentAt        int64 `json:"sent_at"`
	ExpiresAt     int64 `json:"expires_at"`
	RetentionDays int   `json:"retention_days"`
}

type HeartbeatMessage struct {
	PeerID    string `json:"peer_id"`
	Address   string `json:"address"`
	Timestamp int64  `json:"ts"`
}
