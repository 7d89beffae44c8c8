package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/signalsfoundry/qkd-kms/internal/api"
	"github.com/signalsfoundry/qkd-kms/internal/kms"
)

const healthPath = "/api/v1/link/health"

// HTTPSource polls a KMS server for link health.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds a source against the KMS base URL. A nil client gets a
// default with a short timeout, the agent must not hang behind a dead server.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Fetch retrieves the current link health record.
func (s *HTTPSource) Fetch(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+healthPath, nil)
	if err != nil {
		return Health{}, fmt.Errorf("agent: build health request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("agent: fetch link health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("agent: link health returned %d", resp.StatusCode)
	}

	var body api.LinkHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Health{}, fmt.Errorf("agent: decode link health: %w", err)
	}
	return Health{
		Status:          kms.LinkStatus(body.Status),
		QBER:            body.QBER,
		AttacksDetected: body.AttacksDetected,
		ForcedAttack:    body.ForcedAttack,
	}, nil
}
