package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("LIBP2P_PORT", 4001)
	viper.SetDefault("LIBP2P_BOOT_NODES", "")
	viper.SetDefault("BTC_RPC", "http://localhost:8332")
	viper.SetDefault("BTC_RPC_USER", "")
	viper.SetDefault("BTC_RPC_PASS", "")
	viper.SetDefault("BTC_NETWORK_TYPE", "")
	viper.SetDefault("TX_FEE", 10000)
	viper.SetDefault("ESCROW_RATIO", 3)
	viper.SetDefault("NODE_ADDRESS", "")
	viper.SetDefault("MSG_RETENTION_DAYS", 2)
	viper.SetDefault("MSG_RETRY_INTERVAL", "30s")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_DIR", "/app/db")

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}

	if viper.GetString("NODE_ADDRESS") == "" {
		logrus.Fatalf("NODE_ADDRESS is required, it is this node's market address")
	}

	AppConfig = Config{
		HTTPPort:         viper.GetString("HTTP_PORT"),
		Libp2pPort:       viper.GetInt("LIBP2P_PORT"),
		Libp2pBootNodes:  viper.GetString("LIBP2P_BOOT_NODES"),
		BTCRPC:           viper.GetString("BTC_RPC"),
		BTCRPC_USER:      viper.GetString("BTC_RPC_USER"),
		BTCRPC_PASS:      viper.GetString("BTC_RPC_PASS"),
		BTCNetworkType:   viper.GetString("BTC_NETWORK_TYPE"),
		TxFee:            viper.GetInt64("TX_FEE"),
		EscrowRatio:      viper.GetInt64("ESCROW_RATIO"),
		NodeAddress:      viper.GetString("NODE_ADDRESS"),
		MsgRetentionDays: viper.GetInt("MSG_RETENTION_DAYS"),
		MsgRetryInterval: viper.GetDuration("MSG_RETRY_INTERVAL"),
		DbDir:            viper.GetString("DB_DIR"),
		LogLevel:         logLevel,
	}

	logrus.Infof("Init config, NodeAddress %s, TxFee %d, EscrowRatio %d, MsgRetryInterval %v",
		AppConfig.NodeAddress, AppConfig.TxFee, AppConfig.EscrowRatio, AppConfig.MsgRetryInterval)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

type Config struct {
	HTTPPort        string
	Libp2pPort      int
	Libp2pBootNodes string
	BTCRPC          string
	BTCRPC_USER     string
	BTCRPC_PASS     string
	BTCNetworkType  string
	// TxFee is the fixed transaction fee in satoshi added on top of every
	// required amount during coin selection.
	TxFee int64
	// EscrowRatio is the multiple of the item total sent to the 2-of-2
	// multisig address (buyer commits 2x, seller 1x). Shipping-aware
	// splitting is deferred pending protocol clarification.
	EscrowRatio      int64
	NodeAddress      string
	MsgRetentionDays int
	MsgRetryInterval time.Duration
	DbDir            string
	LogLevel         logrus.Level
}
