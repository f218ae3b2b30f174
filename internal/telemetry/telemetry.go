// Package telemetry reports batch lifecycle events to the operator's
// telemetry collector. Everything here is best-effort: failures are logged
// and never propagate into the submission path.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sender posts task traces keyed by the batch merkle root.
type Sender struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

func New(endpoint string, log zerolog.Logger) *Sender {
	return &Sender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log.With().Str("component", "telemetry").Logger(),
	}
}

// Enabled reports whether a collector endpoint is configured.
func (s *Sender) Enabled() bool { return s != nil && s.endpoint != "" }

func (s *Sender) post(ctx context.Context, path string, payload map[string]any) {
	if !s.Enabled() {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to encode telemetry payload")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(body))
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to build telemetry request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("telemetry post failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("telemetry post rejected")
	}
}

// InitTaskTrace opens a trace for a batch about to be submitted.
func (s *Sender) InitTaskTrace(ctx context.Context, merkleRoot string) {
	s.post(ctx, "/api/initTaskTrace", map[string]any{
		"merkle_root": merkleRoot,
		"trace_id":    uuid.NewString(),
	})
}

// TaskUploadedToS3 records that the batch object is in the store.
func (s *Sender) TaskUploadedToS3(ctx context.Context, merkleRoot string) {
	s.post(ctx, "/api/taskUploadedToS3", map[string]any{"merkle_root": merkleRoot})
}

// TaskCreated records the batch's fee per proof and size.
func (s *Sender) TaskCreated(ctx context.Context, merkleRoot, feePerProof string, numProofs int) {
	s.post(ctx, "/api/taskCreated", map[string]any{
		"merkle_root":    merkleRoot,
		"fee_per_proof":  feePerProof,
		"num_proofs":     numProofs,
	})
}

// TaskSent records the submission transaction hash.
func (s *Sender) TaskSent(ctx context.Context, merkleRoot, txHash string) {
	s.post(ctx, "/api/taskSent", map[string]any{
		"merkle_root": merkleRoot,
		"tx_hash":     txHash,
	})
}

// TaskCreationFailed records why a submission did not go through.
func (s *Sender) TaskCreationFailed(ctx context.Context, merkleRoot string, reason error) {
	s.post(ctx, "/api/taskCreationFailed", map[string]any{
		"merkle_root": merkleRoot,
		"reason":      fmt.Sprint(reason),
	})
}
