// Package scheduler is the narrow request/response and event-stream boundary
// to the batch scheduler gateway. Everything behind it (scheduler mechanics,
// tunnels, credentials) is an external collaborator.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/config"
	"github.com/drejom/rbiocverse/pkg/logger"

	"github.com/gorilla/websocket"
)

// SessionRecord is one session entry in a full status snapshot.
type SessionRecord struct {
	Cluster string             `json:"cluster"`
	Kind    model.WorkloadKind `json:"kind"`
	model.SessionUpdate
}

// Key returns the session key of the record.
func (r *SessionRecord) Key() model.SessionKey {
	return model.SessionKey{Cluster: r.Cluster, Kind: r.Kind}
}

// StatusSnapshotResponse is the gateway's full restatement of all session
// and cluster state.
type StatusSnapshotResponse struct {
	Sessions []SessionRecord       `json:"sessions"`
	Health   []model.ClusterHealth `json:"health"`
}

// LaunchAck acknowledges an accepted submission.
type LaunchAck struct {
	JobID string `json:"job_id"`
}

// API is the request/response surface consumed by the poller, the service
// layer and the orchestrators.
type API interface {
	StatusSnapshot(ctx context.Context) (*StatusSnapshotResponse, error)
	Launch(ctx context.Context, spec *model.LaunchSpec) (*LaunchAck, error)
	Stop(ctx context.Context, key model.SessionKey) error
	ConnectInfo(ctx context.Context, key model.SessionKey) (*model.ConnectInfo, error)
}

// Client is the HTTP/websocket client for the scheduler gateway.
type Client struct {
	apiKey     string
	baseURL    string
	eventsURL  string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a gateway client from configuration.
func NewClient(cfg *config.SchedulerConfig) *Client {
	return &Client{
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
		eventsURL: cfg.EventsURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.RequestTimeout,
		},
	}
}

// StatusSnapshot fetches the full session and cluster-health snapshot.
func (c *Client) StatusSnapshot(ctx context.Context) (*StatusSnapshotResponse, error) {
	respData, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/status-snapshot", nil)
	if err != nil {
		return nil, err
	}

	var resp StatusSnapshotResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse status snapshot: %w", err)
	}
	return &resp, nil
}

// Launch submits a new session job. Rejections come back as typed
// *APIError values: validation, credential-setup, or backend.
func (c *Client) Launch(ctx context.Context, spec *model.LaunchSpec) (*LaunchAck, error) {
	respData, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/launch", spec)
	if err != nil {
		return nil, err
	}

	var ack LaunchAck
	if err := json.Unmarshal(respData, &ack); err != nil {
		return nil, fmt.Errorf("failed to parse launch ack: %w", err)
	}
	return &ack, nil
}

// Stop requests cancellation of the key's backing job.
func (c *Client) Stop(ctx context.Context, key model.SessionKey) error {
	_, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/stop", key)
	return err
}

// ConnectInfo fetches connection details for a ready/running session.
func (c *Client) ConnectInfo(ctx context.Context, key model.SessionKey) (*model.ConnectInfo, error) {
	u := fmt.Sprintf("%s/connect-info?cluster=%s&kind=%s",
		c.baseURL, url.QueryEscape(key.Cluster), url.QueryEscape(string(key.Kind)))
	respData, err := c.doRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var info model.ConnectInfo
	if err := json.Unmarshal(respData, &info); err != nil {
		return nil, fmt.Errorf("failed to parse connect info: %w", err)
	}
	return &info, nil
}

// DialEvents opens the per-operation event stream for the scope. The caller
// owns the connection and must close it exactly once.
func (c *Client) DialEvents(ctx context.Context, scope model.StreamScope) (*websocket.Conn, error) {
	u := fmt.Sprintf("%s/events?cluster=%s&kind=%s&op=%s",
		c.eventsURL, url.QueryEscape(scope.Key.Cluster),
		url.QueryEscape(string(scope.Key.Kind)), url.QueryEscape(string(scope.Op)))
	if scope.JobID != "" {
		u += "&job_id=" + url.QueryEscape(scope.JobID)
	}

	var header http.Header
	if c.apiKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	}

	conn, _, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, &APIError{Kind: KindUnavailable, Message: fmt.Sprintf("event stream dial failed: %v", err)}
	}
	return conn, nil
}

// gatewayError is the error body the gateway returns on non-2xx responses.
type gatewayError struct {
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// doRequest performs an HTTP request with bearer authentication and maps
// failures to typed errors.
func (c *Client) doRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindUnavailable, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindUnavailable, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	logger.DebugCtx(ctx, "gateway %s %s -> %d (%v)", method, url, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respData, nil
	}
	return nil, mapError(resp.StatusCode, respData)
}

// mapError converts a non-2xx gateway response into a typed *APIError. The
// gateway's own kind wins when it reports one; otherwise the HTTP status
// decides.
func mapError(status int, body []byte) error {
	var ge gatewayError
	_ = json.Unmarshal(body, &ge)

	apiErr := &APIError{Code: ge.Code, Message: ge.Message}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("gateway returned status %d", status)
	}

	switch ge.Kind {
	case string(KindValidation):
		apiErr.Kind = KindValidation
	case string(KindCredentialSetup):
		apiErr.Kind = KindCredentialSetup
	case string(KindBackend):
		apiErr.Kind = KindBackend
	default:
		switch {
		case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
			apiErr.Kind = KindValidation
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			apiErr.Kind = KindCredentialSetup
		case status >= 500:
			apiErr.Kind = KindUnavailable
		default:
			apiErr.Kind = KindBackend
		}
	}
	return apiErr
}
