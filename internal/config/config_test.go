package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
eth_rpc_url: "http://localhost:8545"
eth_rpc_url_fallback: "http://localhost:8546"
eth_ws_url: "ws://localhost:8545"
eth_ws_url_fallback: "ws://localhost:8546"
ecdsa:
  private_key_store_path: "keystore/batcher.json"
  private_key_store_password: "secret"
contracts:
  batcher_payment_service: "0x7bc06c482DEAd17c0e297aFbC32f6e63d3846650"
  service_manager: "0x851356ae760d987E095750cCeb3bC6014560891C"
batcher:
  address: "localhost:8080"
  metrics_port: 9093
  block_interval: 3
  transaction_wait_timeout: 8
  max_proof_size: 67108864
  max_batch_byte_size: 268435456
  max_batch_proof_qty: 3000
  pre_verification_is_enabled: true
  aggregator_gas_cost: 330000
  aggregator_fee_percentage_multiplier: 125
storage:
  bucket: "batches"
  region: "us-east-1"
  download_endpoint: "https://storage.example.com"
logging:
  level: "info"
  format: "json"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Batcher.BlockInterval != 3 {
		t.Errorf("block interval = %d, want 3", cfg.Batcher.BlockInterval)
	}
	if cfg.PaymentServiceAddr().Hex() != "0x7bc06c482DEAd17c0e297aFbC32f6e63d3846650" {
		t.Errorf("payment service address mismatch: %s", cfg.PaymentServiceAddr())
	}
	if cfg.NonPaying() != nil {
		t.Error("non-paying config should be absent")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ETH_RPC_URL", "http://override:8545")
	t.Setenv("AWS_BUCKET_NAME", "override-bucket")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EthRPCURL != "http://override:8545" {
		t.Errorf("rpc url not overridden: %s", cfg.EthRPCURL)
	}
	if cfg.Storage.Bucket != "override-bucket" {
		t.Errorf("bucket not overridden: %s", cfg.Storage.Bucket)
	}
}

func TestLoadRejectsOversizedProofLimit(t *testing.T) {
	// A proof limit the batch cannot hold must be rejected at boot.
	broken := `
eth_rpc_url: "http://localhost:8545"
eth_rpc_url_fallback: "http://localhost:8546"
eth_ws_url: "ws://localhost:8545"
eth_ws_url_fallback: "ws://localhost:8546"
contracts:
  batcher_payment_service: "0x7bc06c482DEAd17c0e297aFbC32f6e63d3846650"
  service_manager: "0x851356ae760d987E095750cCeb3bC6014560891C"
batcher:
  address: "localhost:8080"
  max_proof_size: 100
  max_batch_byte_size: 100
  max_batch_proof_qty: 10
storage:
  bucket: "batches"
  download_endpoint: "https://storage.example.com"
`
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Fatal("expected validation error for batch size smaller than one proof")
	}
}

func TestLoadRejectsMissingContracts(t *testing.T) {
	broken := `
eth_rpc_url: "http://localhost:8545"
eth_rpc_url_fallback: "http://localhost:8546"
eth_ws_url: "ws://localhost:8545"
eth_ws_url_fallback: "ws://localhost:8546"
batcher:
  address: "localhost:8080"
  max_proof_size: 10
  max_batch_byte_size: 1000
  max_batch_proof_qty: 10
storage:
  bucket: "batches"
  download_endpoint: "https://storage.example.com"
`
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Fatal("expected validation error for missing contract addresses")
	}
}
