// Package transport provides the HTTP client that pushes queued mutations
// to the server of record.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/logging"
	"github.com/herdwork/showbarn/backend/internal/models"
)

// Config holds reconciler connection configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// PushRequest is a single mutation sent to the server.
type PushRequest struct {
	MutationID string          `json:"mutation_id"`
	Owner      string          `json:"owner"`
	EntityType string          `json:"entity_type"`
	RecordID   string          `json:"record_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version"`
}

// PushResult is the server's verdict on a pushed mutation. When Applied is
// false the server rejected the expected version and the Server* fields
// carry its current state for conflict review.
type PushResult struct {
	Applied       bool            `json:"applied"`
	NewVersion    int64           `json:"new_version,omitempty"`
	ServerVersion int64           `json:"server_version,omitempty"`
	ServerData    json.RawMessage `json:"server_data,omitempty"`
	ServerDeleted bool            `json:"server_deleted,omitempty"`
}

// Reconciler is the transport boundary the sync worker drives. Push errors
// with code TRANSIENT_NETWORK or SYNC_TIMEOUT are retryable; any other
// error is permanent.
type Reconciler interface {
	Push(ctx context.Context, req *PushRequest) (*PushResult, error)
	Fetch(ctx context.Context, entityType, recordID string) (*models.ServerRecord, error)
}

// Client implements Reconciler over HTTP.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// Compile-time interface check.
var _ Reconciler = (*Client)(nil)

// NewClient creates a new reconciler client.
func NewClient(config *Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// NewPushRequest builds a PushRequest from a queued mutation.
func NewPushRequest(item *models.SyncQueueItem) *PushRequest {
	return &PushRequest{
		MutationID: item.ID.String(),
		Owner:      item.Owner,
		EntityType: item.EntityType,
		RecordID:   item.RecordID,
		Operation:  item.Operation,
		Payload:    item.Payload,
		Version:    item.Version,
	}
}

// Push sends one mutation to the apply endpoint. A 409 response is not an
// error: it returns a PushResult with Applied false and the server's state.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode mutation", err)
	}

	httpReq, err := c.createRequest(ctx, http.MethodPost, "/v1/sync/apply", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, roundTripErr("push request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict:
		var result PushResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "failed to decode push response", err)
		}
		if resp.StatusCode == http.StatusConflict {
			logging.Debug("Mutation rejected on version check", map[string]interface{}{
				"code":        string(apperrors.ErrVersionConflict),
				"mutation_id": req.MutationID,
				"entity_type": req.EntityType,
				"record_id":   req.RecordID,
			})
		}
		return &result, nil
	case resp.StatusCode >= 500:
		return nil, apperrors.Newf(apperrors.ErrTransientNetwork,
			"server error on push: status %d", resp.StatusCode)
	default:
		detail, _ := io.ReadAll(resp.Body)
		return nil, apperrors.Newf(apperrors.ErrInvalid,
			"push rejected with status %d: %s", resp.StatusCode, string(detail))
	}
}

// Fetch returns the server's current state for a record, or nil when the
// server has never seen it.
func (c *Client) Fetch(ctx context.Context, entityType, recordID string) (*models.ServerRecord, error) {
	path := fmt.Sprintf("/v1/sync/records/%s/%s", entityType, recordID)
	httpReq, err := c.createRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, roundTripErr("fetch request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusOK:
		var record models.ServerRecord
		if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "failed to decode record", err)
		}
		return &record, nil
	case resp.StatusCode >= 500:
		return nil, apperrors.Newf(apperrors.ErrTransientNetwork,
			"server error on fetch: status %d", resp.StatusCode)
	default:
		detail, _ := io.ReadAll(resp.Body)
		return nil, apperrors.Newf(apperrors.ErrInvalid,
			"fetch rejected with status %d: %s", resp.StatusCode, string(detail))
	}
}

// roundTripErr classifies a failed round trip. A deadline hit maps to
// SYNC_TIMEOUT; everything else at this layer is a transient network error.
// Both are retryable for the worker.
func roundTripErr(message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, message, err)
	}
	return apperrors.Wrap(apperrors.ErrTransientNetwork, message, err)
}

// createRequest creates an authenticated JSON request.
func (c *Client) createRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	return req, nil
}
