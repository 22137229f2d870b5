package wallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/marketnet/market-node/internal/config"
	"github.com/marketnet/market-node/internal/types"
	log "github.com/sirupsen/logrus"
)

// UnspentOutput is a read-only projection of one wallet output. Amount is
// satoshi.
type UnspentOutput struct {
	Txid      string
	Vout      uint32
	Amount    int64
	Address   string
	Spendable bool
	Solvable  bool
	Safe      bool
}

// Selectable reports whether the output may fund a transaction. The same
// predicate decides coin selection and vote weight.
func (u UnspentOutput) Selectable() bool {
	return u.Spendable && u.Solvable && u.Safe
}

// SignResult is the outcome of a wallet-side partial signing round.
type SignResult struct {
	Tx       *wire.MsgTx
	Complete bool
	Errors   []string
}

// Client is the wallet/daemon RPC collaborator. Signing internals stay in
// the external wallet; this node only selects, locks and assembles.
type Client interface {
	ListUnspent() ([]UnspentOutput, error)
	GetNewAddress(label string) (string, error)
	PubKeyForAddress(address string) (string, error)
	CreateRawTransaction(inputs []btcjson.TransactionInput, amounts map[string]int64) (*wire.MsgTx, error)
	SignRawTransactionWithWallet(tx *wire.MsgTx) (*SignResult, error)
	SendToAddress(address string, amount int64) (string, error)
}

// RPCClient implements Client over a bitcoind-compatible JSON-RPC wallet.
type RPCClient struct {
	client *rpcclient.Client
	net    *chaincfg.Params
}

var _ Client = (*RPCClient)(nil)

func NewRPCClient(client *rpcclient.Client, net *chaincfg.Params) *RPCClient {
	return &RPCClient{client: client, net: net}
}

// GetBTCNetwork maps the configured network type to chain params.
func GetBTCNetwork(networkType string) *chaincfg.Params {
	switch networkType {
	case "", "mainnet":
		return &chaincfg.MainNetParams
	case "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		log.Warnf("Unknown BTC network type %q, fallback to mainnet", networkType)
		return &chaincfg.MainNetParams
	}
}

func NewRPCClientFromConfig() *RPCClient {
	connConfig := &rpcclient.ConnConfig{
		Host:         config.AppConfig.BTCRPC,
		User:         config.AppConfig.BTCRPC_USER,
		Pass:         config.AppConfig.BTCRPC_PASS,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	btcClient, err := rpcclient.New(connConfig, nil)
	if err != nil {
		log.Fatalf("Failed to start bitcoin client: %v", err)
	}
	return NewRPCClient(btcClient, GetBTCNetwork(config.AppConfig.BTCNetworkType))
}

func (c *RPCClient) ListUnspent() ([]UnspentOutput, error) {
	results, err := c.client.ListUnspent()
	if err != nil {
		return nil, err
	}
	outputs := make([]UnspentOutput, 0, len(results))
	for _, r := range results {
		amount, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, UnspentOutput{
			Txid:      r.TxID,
			Vout:      r.Vout,
			Amount:    int64(amount),
			Address:   r.Address,
			Spendable: r.Spendable,
			// bitcoind reports solvable/safe only via raw fields, a
			// spendable wallet output is both
			Solvable: r.Spendable,
			Safe:     r.Spendable,
		})
	}
	return outputs, nil
}

func (c *RPCClient) GetNewAddress(label string) (string, error) {
	addr, err := c.client.GetNewAddress(label)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (c *RPCClient) PubKeyForAddress(address string) (string, error) {
	params := []json.RawMessage{mustMarshal(address)}
	raw, err := c.client.RawRequest("getaddressinfo", params)
	if err != nil {
		return "", err
	}
	var info struct {
		PubKey string `json:"pubkey"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", err
	}
	if info.PubKey == "" {
		return "", fmt.Errorf("no pubkey known for address %s", address)
	}
	return info.PubKey, nil
}

func (c *RPCClient) CreateRawTransaction(inputs []btcjson.TransactionInput, amounts map[string]int64) (*wire.MsgTx, error) {
	addrAmounts := make(map[btcutil.Address]btcutil.Amount, len(amounts))
	for addr, sats := range amounts {
		decoded, err := btcutil.DecodeAddress(addr, c.net)
		if err != nil {
			return nil, err
		}
		addrAmounts[decoded] = btcutil.Amount(sats)
	}
	return c.client.CreateRawTransaction(inputs, addrAmounts, nil)
}

func (c *RPCClient) SignRawTransactionWithWallet(tx *wire.MsgTx) (*SignResult, error) {
	serialized, err := types.SerializeTransaction(tx)
	if err != nil {
		return nil, err
	}
	params := []json.RawMessage{mustMarshal(hex.EncodeToString(serialized))}
	raw, err := c.client.RawRequest("signrawtransactionwithwallet", params)
	if err != nil {
		return nil, err
	}
	var result btcjson.SignRawTransactionWithWalletResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	signed, err := types.DeserializeTransaction(result.Hex)
	if err != nil {
		return nil, err
	}
	signErrors := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		signErrors = append(signErrors, e.Error)
	}
	return &SignResult{Tx: signed, Complete: result.Complete, Errors: signErrors}, nil
}

func (c *RPCClient) SendToAddress(address string, amount int64) (string, error) {
	decoded, err := btcutil.DecodeAddress(address, c.net)
	if err != nil {
		return "", err
	}
	txid, err := c.client.SendToAddress(decoded, btcutil.Amount(amount))
	if err != nil {
		return "", err
	}
	return txid.String(), nil
}

// ParseOutpoint validates a txid/vout pair the way lock bookkeeping stores it.
func ParseOutpoint(txid string, vout uint32) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	return wire.NewOutPoint(hash, vout), nil
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
