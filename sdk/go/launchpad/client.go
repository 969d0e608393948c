// Package launchpad is a small Go client for the launch service REST API.
package launchpad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// A launch waits for funding, agent dispatch and possibly a fallback deployment,
// so it is much longer than a typical API timeout.
const DefaultHTTPTimeout = 10 * time.Minute

// Client wraps the HTTP interactions with the launch service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	sessionToken string
}

// Fees configures the launched token's fee model.
type Fees struct {
	Mode   string `json:"mode,omitempty"`
	FeeBps uint16 `json:"fee_bps,omitempty"`
	TaxBps uint16 `json:"tax_bps,omitempty"`
}

// LaunchRequest is the payload of POST /api/v1/launches.
type LaunchRequest struct {
	Name            string            `json:"name"`
	Symbol          string            `json:"symbol"`
	Image           string            `json:"image,omitempty"`
	Description     string            `json:"description,omitempty"`
	Links           map[string]string `json:"links,omitempty"`
	Fees            Fees              `json:"fees"`
	RewardRecipient string            `json:"reward_recipient,omitempty"`
	Launcher        string            `json:"launcher,omitempty"`
	// Sweep is one of "sync", "background" or "disabled"; empty uses the
	// server default.
	Sweep string `json:"sweep,omitempty"`
}

// LaunchResponse is the launch outcome.
type LaunchResponse struct {
	Success             bool   `json:"success"`
	Message             string `json:"message,omitempty"`
	TxHash              string `json:"txHash,omitempty"`
	DeployedViaFallback bool   `json:"deployedViaFallback,omitempty"`
	BurnerAddress       string `json:"burnerAddress,omitempty"`
	Error               string `json:"error,omitempty"`
	// WorkflowID is taken from the X-Workflow-Id response header.
	WorkflowID string `json:"-"`
}

// BurnerRecord is the durable lifecycle record of one burner wallet.
type BurnerRecord struct {
	Address           string     `json:"address"`
	WorkflowID        string     `json:"workflowId"`
	Requester         string     `json:"requester"`
	CreatedAt         time.Time  `json:"createdAt"`
	FundingTxHash     string     `json:"fundingTxHash,omitempty"`
	FundingAmount     string     `json:"fundingAmount,omitempty"`
	FundedAt          *time.Time `json:"fundedAt,omitempty"`
	SweepStatus       string     `json:"sweepStatus,omitempty"`
	SweepDetail       string     `json:"sweepDetail,omitempty"`
	NativeSweepTxHash string     `json:"nativeSweepTxHash,omitempty"`
	StableSweepTxHash string     `json:"stableSweepTxHash,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("launchpad api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("launchpad api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the launch service. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetSessionToken stores the bearer token sent with every call.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
}

// SessionToken returns the stored bearer token.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// Launch submits a launch and blocks until the service answers. A failed
// launch returns both the decoded response and an *APIError.
func (c *Client) Launch(ctx context.Context, launch LaunchRequest) (LaunchResponse, error) {
	body, err := json.Marshal(launch)
	if err != nil {
		return LaunchResponse{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/launches", nil, bytes.NewReader(body))
	if err != nil {
		return LaunchResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return LaunchResponse{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return LaunchResponse{}, fmt.Errorf("read response: %w", err)
	}
	var out LaunchResponse
	if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode < 400 {
		return LaunchResponse{}, fmt.Errorf("decode response: %w", err)
	}
	out.WorkflowID = resp.Header.Get("X-Workflow-Id")
	if resp.StatusCode >= 400 {
		return out, decodeError(resp.StatusCode, data)
	}
	return out, nil
}

// GetBurner fetches the lifecycle record of a burner created for the caller.
func (c *Client) GetBurner(ctx context.Context, address string) (BurnerRecord, error) {
	var record BurnerRecord
	if err := c.get(ctx, "/api/v1/burners/"+url.PathEscape(address), nil, &record); err != nil {
		return BurnerRecord{}, err
	}
	return record, nil
}

// ListUnswept lists the caller's burners that may still hold funds.
func (c *Client) ListUnswept(ctx context.Context, limit int) ([]BurnerRecord, error) {
	query := url.Values{"unswept": {"true"}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Burners []BurnerRecord `json:"burners"`
	}
	if err := c.get(ctx, "/api/v1/burners", query, &out); err != nil {
		return nil, err
	}
	return out.Burners, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	token := c.SessionToken()
	if token == "" {
		return nil, errors.New("launchpad: session token is not set")
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
