// Package config loads the gateway configuration from a YAML file with
// environment overrides, and decrypts the batcher's keystore signer.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"github.com/DanDo385/zkbatcher/internal/types"
)

type Config struct {
	EthRPCURL         string `yaml:"eth_rpc_url"`
	EthRPCURLFallback string `yaml:"eth_rpc_url_fallback"`
	EthWSURL          string `yaml:"eth_ws_url"`
	EthWSURLFallback  string `yaml:"eth_ws_url_fallback"`

	ECDSA     ECDSAConfig     `yaml:"ecdsa"`
	Contracts ContractsConfig `yaml:"contracts"`
	Batcher   BatcherConfig   `yaml:"batcher"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ECDSAConfig struct {
	PrivateKeystorePath     string `yaml:"private_key_store_path"`
	PrivateKeystorePassword string `yaml:"private_key_store_password"`
}

type ContractsConfig struct {
	BatcherPaymentService string `yaml:"batcher_payment_service"`
	ServiceManager        string `yaml:"service_manager"`
}

type BatcherConfig struct {
	Address                  string           `yaml:"address"`
	MetricsPort              uint16           `yaml:"metrics_port"`
	TelemetryEndpoint        string           `yaml:"telemetry_endpoint"`
	BlockInterval            uint64           `yaml:"block_interval"`
	BatchBlockLookback       uint64           `yaml:"batch_block_lookback"`
	TransactionWaitTimeout   uint64           `yaml:"transaction_wait_timeout"`
	MaxProofSize             int              `yaml:"max_proof_size"`
	MaxBatchByteSize         int              `yaml:"max_batch_byte_size"`
	MaxBatchProofQty         int              `yaml:"max_batch_proof_qty"`
	PreVerificationIsEnabled bool             `yaml:"pre_verification_is_enabled"`
	AggregatorGasCost        uint64           `yaml:"aggregator_gas_cost"`
	AggregatorFeeMultiplier  uint64           `yaml:"aggregator_fee_percentage_multiplier"`
	NonPaying                *NonPayingConfig `yaml:"non_paying,omitempty"`
}

type NonPayingConfig struct {
	Address                     string `yaml:"address"`
	ReplacementKeystorePath     string `yaml:"replacement_private_key_store_path"`
	ReplacementKeystorePassword string `yaml:"replacement_private_key_store_password"`
}

type StorageConfig struct {
	Bucket           string `yaml:"bucket"`
	Region           string `yaml:"region"`
	UploadEndpoint   string `yaml:"upload_endpoint"`
	DownloadEndpoint string `yaml:"download_endpoint"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from file and env vars.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Override with environment variables
	if v := os.Getenv("ETH_RPC_URL"); v != "" {
		cfg.EthRPCURL = v
	}
	if v := os.Getenv("ETH_RPC_URL_FALLBACK"); v != "" {
		cfg.EthRPCURLFallback = v
	}
	if v := os.Getenv("ETH_WS_URL"); v != "" {
		cfg.EthWSURL = v
	}
	if v := os.Getenv("ETH_WS_URL_FALLBACK"); v != "" {
		cfg.EthWSURLFallback = v
	}
	if v := os.Getenv("KEYSTORE_PASSWORD"); v != "" {
		cfg.ECDSA.PrivateKeystorePassword = v
	}
	if v := os.Getenv("AWS_BUCKET_NAME"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("UPLOAD_ENDPOINT"); v != "" {
		cfg.Storage.UploadEndpoint = v
	}
	if v := os.Getenv("DOWNLOAD_ENDPOINT"); v != "" {
		cfg.Storage.DownloadEndpoint = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse METRICS_PORT: %w", err)
		}
		cfg.Batcher.MetricsPort = uint16(port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.EthRPCURL == "" || c.EthRPCURLFallback == "" {
		return fmt.Errorf("eth_rpc_url and eth_rpc_url_fallback are required")
	}
	if c.EthWSURL == "" || c.EthWSURLFallback == "" {
		return fmt.Errorf("eth_ws_url and eth_ws_url_fallback are required")
	}
	if c.Batcher.Address == "" {
		return fmt.Errorf("batcher.address is required")
	}
	if !common.IsHexAddress(c.Contracts.BatcherPaymentService) {
		return fmt.Errorf("contracts.batcher_payment_service is not a valid address")
	}
	if !common.IsHexAddress(c.Contracts.ServiceManager) {
		return fmt.Errorf("contracts.service_manager is not a valid address")
	}
	if c.Batcher.MaxProofSize <= 0 || c.Batcher.MaxBatchByteSize <= 0 || c.Batcher.MaxBatchProofQty <= 0 {
		return fmt.Errorf("batcher proof and batch size limits must be positive")
	}
	// One proof of max size, plus serialization overhead, must fit a batch.
	if c.Batcher.MaxProofSize+types.CBORArrayMaxOverhead > c.Batcher.MaxBatchByteSize {
		return fmt.Errorf("max_batch_byte_size (%d) not big enough for one max_proof_size (%d) proof",
			c.Batcher.MaxBatchByteSize, c.Batcher.MaxProofSize)
	}
	if c.Storage.Bucket == "" || c.Storage.DownloadEndpoint == "" {
		return fmt.Errorf("storage.bucket and storage.download_endpoint are required")
	}
	if c.NonPaying() != nil && !common.IsHexAddress(c.Batcher.NonPaying.Address) {
		return fmt.Errorf("non_paying.address is not a valid address")
	}
	return nil
}

// NonPaying returns the non-paying principal configuration, if any.
func (c *Config) NonPaying() *NonPayingConfig {
	return c.Batcher.NonPaying
}

func (c *Config) PaymentServiceAddr() common.Address {
	return common.HexToAddress(c.Contracts.BatcherPaymentService)
}

func (c *Config) ServiceManagerAddr() common.Address {
	return common.HexToAddress(c.Contracts.ServiceManager)
}

// Signer is a decrypted keystore identity.
type Signer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// LoadSigner decrypts a keystore file into a usable signer.
func LoadSigner(keystorePath, password string) (*Signer, error) {
	raw, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore %s: %w", keystorePath, err)
	}
	key, err := keystore.DecryptKey(raw, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore %s: %w", keystorePath, err)
	}
	return &Signer{
		Key:     key.PrivateKey,
		Address: crypto.PubkeyToAddress(key.PrivateKey.PublicKey),
	}, nil
}
