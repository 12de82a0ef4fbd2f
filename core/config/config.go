// Package config loads the bundler node configuration from a yaml file.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	sdkutils "github.com/Layr-Labs/eigensdk-go/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
)

const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

var ErrNoExecutorKey = errors.New("at least one executor private key is required")

// Config is the parsed and validated node configuration.
type Config struct {
	Logger      sdklogging.Logger
	Environment sdklogging.LogLevel

	EthHttpRpcUrl     string
	EthWsRpcUrl       string
	EntryPointAddress common.Address
	// ChainID is nil when it has to be fetched from the rpc
	ChainID *big.Int

	ExecutorKeys []*ecdsa.PrivateKey
	MaxExecutors int
	// Beneficiary receives the bundle fees, zero means each executor keeps its own.
	Beneficiary common.Address
	// UtilityKey tops up executors below MinExecutorBalance, nil disables refills.
	UtilityKey *ecdsa.PrivateKey
	// MinExecutorBalance in wei, nil disables balance monitoring.
	MinExecutorBalance   *big.Int
	BalanceCheckInterval time.Duration

	MaxBundleSize  int
	BundleInterval time.Duration

	MaxQueuedOps      int
	MaxParallelOps    int
	QueueByPaymaster  bool
	IgnoredPaymasters []common.Address
	// MaxNonceGap bounds how far ahead of the account nonce an operation may be.
	MaxNonceGap uint64

	StuckReplaceAfter      time.Duration
	MaxPotentiallyIncluded int
	GasPadding             uint64
	StatusTTL              time.Duration

	Store       string
	DbPath      string
	StorePrefix string
	// BackupDir enables periodic snapshots of the badger store when set.
	BackupDir      string
	BackupInterval time.Duration

	HttpBindAddress   string
	SentryDsn         string
	ServerName        string
	FlushStuckOnStart bool
}

// These are read from configPath
type ConfigRaw struct {
	Environment       sdklogging.LogLevel `yaml:"environment" validate:"oneof=development production"`
	EthRpcUrl         string              `yaml:"eth_rpc_url" validate:"required,url"`
	EthWsUrl          string              `yaml:"eth_ws_url" validate:"required,url"`
	EntrypointAddress string              `yaml:"entrypoint_address" validate:"eth_addr"`
	ChainID           int64               `yaml:"chain_id" validate:"gte=0"`

	ExecutorPrivateKeys []string `yaml:"executor_private_keys" validate:"dive,required"`
	MaxExecutors        int      `yaml:"max_executors" validate:"gte=0"`
	UtilityPrivateKey   string   `yaml:"utility_private_key"`
	// MinExecutorBalance is in ether, e.g. "0.5"
	MinExecutorBalance   string `yaml:"min_executor_balance"`
	BalanceCheckInterval string `yaml:"balance_check_interval"`

	MaxBundleSize  int    `yaml:"max_bundle_size" validate:"gte=1"`
	BundleInterval string `yaml:"bundle_interval"`

	MempoolMaxQueuedOps   int      `yaml:"mempool_max_queued_ops" validate:"gte=1"`
	MempoolMaxParallelOps int      `yaml:"mempool_max_parallel_ops" validate:"gte=1"`
	QueueByPaymaster      bool     `yaml:"queue_by_paymaster"`
	IgnoredPaymasters     []string `yaml:"ignored_paymasters" validate:"dive,eth_addr"`
	MaxNonceGap           uint64   `yaml:"max_nonce_gap"`

	StuckReplaceAfter      string `yaml:"stuck_replace_after"`
	MaxPotentiallyIncluded int    `yaml:"max_potentially_included" validate:"gte=1"`
	GasPadding             uint64 `yaml:"gas_padding"`
	StatusTTL              string `yaml:"status_ttl"`

	Store       string `yaml:"store" validate:"oneof=memory badger"`
	DbPath      string `yaml:"db_path" validate:"required_if=Store badger"`
	StorePrefix string `yaml:"store_prefix" validate:"required"`

	BackupDir      string `yaml:"backup_dir"`
	BackupInterval string `yaml:"backup_interval"`

	HttpBindAddress   string `yaml:"http_bind_address" validate:"required"`
	SentryDsn         string `yaml:"sentry_dsn"`
	ServerName        string `yaml:"server_name"`
	FlushStuckOnStart bool   `yaml:"flush_stuck_on_start"`
}

func (raw *ConfigRaw) applyDefaults() {
	if raw.Environment == "" {
		raw.Environment = sdklogging.Development
	}
	if raw.EntrypointAddress == "" {
		raw.EntrypointAddress = aa.EntrypointAddress.Hex()
	}
	if raw.MaxBundleSize == 0 {
		raw.MaxBundleSize = 10
	}
	if raw.BundleInterval == "" {
		raw.BundleInterval = "1s"
	}
	if raw.MempoolMaxQueuedOps == 0 {
		raw.MempoolMaxQueuedOps = 10
	}
	if raw.MempoolMaxParallelOps == 0 {
		raw.MempoolMaxParallelOps = 10
	}
	if raw.MaxNonceGap == 0 {
		raw.MaxNonceGap = 10
	}
	if raw.MinExecutorBalance != "" && raw.BalanceCheckInterval == "" {
		raw.BalanceCheckInterval = "1m"
	}
	if raw.StuckReplaceAfter == "" {
		raw.StuckReplaceAfter = "5m"
	}
	if raw.MaxPotentiallyIncluded == 0 {
		raw.MaxPotentiallyIncluded = 3
	}
	if raw.GasPadding == 0 {
		raw.GasPadding = 10_000
	}
	if raw.StatusTTL == "" {
		raw.StatusTTL = "1h"
	}
	if raw.Store == "" {
		raw.Store = StoreMemory
	}
	if raw.StorePrefix == "" {
		raw.StorePrefix = "bundler"
	}
	if raw.BackupDir != "" && raw.BackupInterval == "" {
		raw.BackupInterval = "1h"
	}
	if raw.HttpBindAddress == "" {
		raw.HttpBindAddress = "localhost:4337"
	}
}

// NewConfig reads, validates and parses the yaml file at configFilePath.
func NewConfig(configFilePath string) (*Config, error) {
	if _, err := os.Stat(configFilePath); err != nil {
		return nil, fmt.Errorf("cannot open config file %s: %w", configFilePath, err)
	}

	var configRaw ConfigRaw
	if err := sdkutils.ReadYamlConfig(configFilePath, &configRaw); err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}

	return Parse(&configRaw)
}

// Parse validates raw and turns it into a Config. raw is filled with defaults in place.
func Parse(raw *ConfigRaw) (*Config, error) {
	raw.applyDefaults()

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if raw.BackupDir != "" && raw.Store != StoreBadger {
		return nil, fmt.Errorf("backup_dir requires store %s", StoreBadger)
	}

	executorKeys, err := parseKeys(raw.ExecutorPrivateKeys)
	if err != nil {
		return nil, err
	}
	if len(executorKeys) == 0 {
		return nil, ErrNoExecutorKey
	}

	toParse := map[string]string{
		"bundle_interval":     raw.BundleInterval,
		"stuck_replace_after": raw.StuckReplaceAfter,
		"status_ttl":          raw.StatusTTL,
	}
	if raw.BackupDir != "" {
		toParse["backup_interval"] = raw.BackupInterval
	}
	if raw.MinExecutorBalance != "" {
		toParse["balance_check_interval"] = raw.BalanceCheckInterval
	}
	durations, err := parseDurations(toParse)
	if err != nil {
		return nil, err
	}

	logger, err := sdklogging.NewZapLogger(raw.Environment)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Logger:                 logger,
		Environment:            raw.Environment,
		EthHttpRpcUrl:          raw.EthRpcUrl,
		EthWsRpcUrl:            raw.EthWsUrl,
		EntryPointAddress:      common.HexToAddress(raw.EntrypointAddress),
		ExecutorKeys:           executorKeys,
		MaxExecutors:           raw.MaxExecutors,
		MaxBundleSize:          raw.MaxBundleSize,
		BundleInterval:         durations["bundle_interval"],
		MaxQueuedOps:           raw.MempoolMaxQueuedOps,
		MaxParallelOps:         raw.MempoolMaxParallelOps,
		QueueByPaymaster:       raw.QueueByPaymaster,
		IgnoredPaymasters:      lo.Map(raw.IgnoredPaymasters, func(a string, _ int) common.Address { return common.HexToAddress(a) }),
		MaxNonceGap:            raw.MaxNonceGap,
		BalanceCheckInterval:   durations["balance_check_interval"],
		StuckReplaceAfter:      durations["stuck_replace_after"],
		MaxPotentiallyIncluded: raw.MaxPotentiallyIncluded,
		GasPadding:             raw.GasPadding,
		StatusTTL:              durations["status_ttl"],
		Store:                  raw.Store,
		DbPath:                 raw.DbPath,
		StorePrefix:            raw.StorePrefix,
		BackupDir:              raw.BackupDir,
		BackupInterval:         durations["backup_interval"],
		HttpBindAddress:        raw.HttpBindAddress,
		SentryDsn:              raw.SentryDsn,
		ServerName:             raw.ServerName,
		FlushStuckOnStart:      raw.FlushStuckOnStart,
	}

	if raw.ChainID > 0 {
		c.ChainID = big.NewInt(raw.ChainID)
	}

	if raw.UtilityPrivateKey != "" {
		utilityKey, err := parseKey(raw.UtilityPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid utility private key: %w", err)
		}
		c.UtilityKey = utilityKey
		c.Beneficiary = crypto.PubkeyToAddress(utilityKey.PublicKey)
	}

	if raw.MinExecutorBalance != "" {
		minBalance, err := parseEther(raw.MinExecutorBalance)
		if err != nil {
			return nil, fmt.Errorf("invalid min_executor_balance: %w", err)
		}
		c.MinExecutorBalance = minBalance
	}

	return c, nil
}

// ExecutorAddresses lists the executor addresses in configuration order.
func (c *Config) ExecutorAddresses() []common.Address {
	return lo.Map(c.ExecutorKeys, func(k *ecdsa.PrivateKey, _ int) common.Address {
		return crypto.PubkeyToAddress(k.PublicKey)
	})
}

func parseKey(hex string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hex), "0x"))
}

func parseKeys(hexes []string) ([]*ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexes))
	for i, h := range hexes {
		key, err := parseKey(h)
		if err != nil {
			return nil, fmt.Errorf("invalid executor private key at index %d: %w", i, err)
		}
		keys = append(keys, key)
	}

	return lo.UniqBy(keys, func(k *ecdsa.PrivateKey) common.Address {
		return crypto.PubkeyToAddress(k.PublicKey)
	}), nil
}

// parseEther turns a decimal ether amount into wei.
func parseEther(value string) (*big.Int, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("must be positive, got %s", value)
	}
	return amount.Shift(18).BigInt(), nil
}

func parseDurations(raw map[string]string) (map[string]time.Duration, error) {
	parsed := make(map[string]time.Duration, len(raw))
	for name, value := range raw {
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %s", name, value)
		}
		parsed[name] = d
	}
	return parsed, nil
}
