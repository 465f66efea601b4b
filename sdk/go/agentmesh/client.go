package agentmesh

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
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// CallerHeader carries the caller wallet on every mutating request.
const CallerHeader = "X-Mesh-Caller"

// Client wraps the HTTP interactions with the AgentMesh Chain REST API.
// Addresses and hashes travel as 0x-prefixed 32-byte hex strings.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	caller string
}

// Agent mirrors the registry's agent identity record.
type Agent struct {
	Address      string `json:"address"`
	OwnerWallet  string `json:"owner_wallet"`
	AgentWallet  string `json:"agent_wallet"`
	ModelProfile string `json:"model_profile"`
	MetadataURI  string `json:"metadata_uri"`
	Permissions  uint64 `json:"permissions"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	Bump         uint8  `json:"bump"`
}

// ModelProfile mirrors the registry's model profile record.
type ModelProfile struct {
	Address           string `json:"address"`
	OwnerWallet       string `json:"owner_wallet"`
	ProfileID         string `json:"profile_id"`
	Label             string `json:"label"`
	ProviderURI       string `json:"provider_uri"`
	Pricing           uint64 `json:"pricing"`
	BillingWallet     string `json:"billing_wallet"`
	MaxTokensPerDay   uint64 `json:"max_tokens_per_day"`
	MaxRequestsPerMin uint64 `json:"max_requests_per_min"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
	Bump              uint8  `json:"bump"`
}

// Intent mirrors the registry's paid-intent record.
type Intent struct {
	Address       string `json:"address"`
	FromAgent     string `json:"from_agent"`
	ToAgent       string `json:"to_agent"`
	Nonce         uint64 `json:"nonce"`
	Status        uint8  `json:"status"`
	PayloadHash   string `json:"payload_hash"`
	PayloadURI    string `json:"payload_uri"`
	PaymentAmount uint64 `json:"payment_amount"`
	PaymentMint   string `json:"payment_mint"`
	ResultHash    string `json:"result_hash"`
	ResultURI     string `json:"result_uri"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	Bump          uint8  `json:"bump"`
}

// IntentStats aggregates intents matching a filter.
type IntentStats struct {
	Total           int64  `json:"total"`
	Pending         int64  `json:"pending"`
	Accepted        int64  `json:"accepted"`
	Completed       int64  `json:"completed"`
	Failed          int64  `json:"failed"`
	EscrowedAmount  uint64 `json:"escrowed_amount"`
	OldestUpdatedAt int64  `json:"oldest_updated_at"`
	NewestUpdatedAt int64  `json:"newest_updated_at"`
}

// EscrowBalance reports the funds currently held for an intent.
type EscrowBalance struct {
	Intent  string `json:"intent"`
	Balance uint64 `json:"balance"`
}

// RegisterAgentRequest creates a new agent owned by the caller wallet.
type RegisterAgentRequest struct {
	AgentWallet  string `json:"agent_wallet"`
	ModelProfile string `json:"model_profile"`
	MetadataURI  string `json:"metadata_uri"`
	Permissions  uint64 `json:"permissions"`
}

// UpdateAgentRequest patches an agent record. Nil fields keep their value.
type UpdateAgentRequest struct {
	Address      string  `json:"address"`
	AgentWallet  *string `json:"agent_wallet,omitempty"`
	ModelProfile *string `json:"model_profile,omitempty"`
	MetadataURI  *string `json:"metadata_uri,omitempty"`
	Permissions  *uint64 `json:"permissions,omitempty"`
}

// CreateProfileRequest creates a new model profile owned by the caller wallet.
type CreateProfileRequest struct {
	ProfileID         string `json:"profile_id"`
	Label             string `json:"label"`
	ProviderURI       string `json:"provider_uri"`
	Pricing           uint64 `json:"pricing"`
	BillingWallet     string `json:"billing_wallet"`
	MaxTokensPerDay   uint64 `json:"max_tokens_per_day"`
	MaxRequestsPerMin uint64 `json:"max_requests_per_min"`
}

// UpdateProfileRequest patches a model profile. Nil fields keep their value.
type UpdateProfileRequest struct {
	Address           string  `json:"address"`
	Label             *string `json:"label,omitempty"`
	ProviderURI       *string `json:"provider_uri,omitempty"`
	Pricing           *uint64 `json:"pricing,omitempty"`
	BillingWallet     *string `json:"billing_wallet,omitempty"`
	MaxTokensPerDay   *uint64 `json:"max_tokens_per_day,omitempty"`
	MaxRequestsPerMin *uint64 `json:"max_requests_per_min,omitempty"`
}

// CreateIntentRequest creates a paid intent funded from FundingSource.
type CreateIntentRequest struct {
	FromAgent     string `json:"from_agent"`
	ToAgent       string `json:"to_agent"`
	Nonce         uint64 `json:"nonce"`
	PayloadHash   string `json:"payload_hash"`
	PayloadURI    string `json:"payload_uri"`
	PaymentAmount uint64 `json:"payment_amount"`
	PaymentMint   string `json:"payment_mint"`
	FundingSource string `json:"funding_source"`
}

// UpdateIntentStatusRequest advances the intent status machine.
type UpdateIntentStatusRequest struct {
	Intent     string  `json:"intent"`
	NewStatus  uint8   `json:"new_status"`
	ResultHash *string `json:"result_hash,omitempty"`
	ResultURI  *string `json:"result_uri,omitempty"`
}

// ListIntentsQuery filters intent listings. Zero values are omitted.
type ListIntentsQuery struct {
	Limit        int
	Offset       int
	Statuses     []uint8
	FromAgent    string
	ToAgent      string
	UpdatedSince int64
	UpdatedUntil int64
	HasResult    *bool
	Order        string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentmesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentmesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentMesh Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetCaller stores the wallet sent as the caller identity on mutating calls.
func (c *Client) SetCaller(wallet string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = wallet
}

// Caller returns the currently stored caller wallet.
func (c *Client) Caller() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// RegisterAgent registers a new agent owned by the caller wallet.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents", req, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// UpdateAgent applies a sparse patch to an agent owned by the caller wallet.
func (c *Client) UpdateAgent(ctx context.Context, req UpdateAgentRequest) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents/update", req, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// GetAgent fetches an agent record by derived address.
func (c *Client) GetAgent(ctx context.Context, address string) (Agent, error) {
	var agent Agent
	endpoint := "/api/v1/agents?address=" + url.QueryEscape(address)
	if err := c.get(ctx, endpoint, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// GetAgentByOwner fetches the agent record owned by the given wallet.
func (c *Client) GetAgentByOwner(ctx context.Context, owner string) (Agent, error) {
	var agent Agent
	endpoint := "/api/v1/agents?owner=" + url.QueryEscape(owner)
	if err := c.get(ctx, endpoint, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// CreateModelProfile registers a new model profile owned by the caller wallet.
func (c *Client) CreateModelProfile(ctx context.Context, req CreateProfileRequest) (ModelProfile, error) {
	var profile ModelProfile
	if err := c.post(ctx, "/api/v1/profiles", req, &profile); err != nil {
		return ModelProfile{}, err
	}
	return profile, nil
}

// UpdateModelProfile applies a sparse patch to a profile owned by the caller.
func (c *Client) UpdateModelProfile(ctx context.Context, req UpdateProfileRequest) (ModelProfile, error) {
	var profile ModelProfile
	if err := c.post(ctx, "/api/v1/profiles/update", req, &profile); err != nil {
		return ModelProfile{}, err
	}
	return profile, nil
}

// GetModelProfile fetches a model profile by derived address.
func (c *Client) GetModelProfile(ctx context.Context, address string) (ModelProfile, error) {
	var profile ModelProfile
	endpoint := "/api/v1/profiles?address=" + url.QueryEscape(address)
	if err := c.get(ctx, endpoint, &profile); err != nil {
		return ModelProfile{}, err
	}
	return profile, nil
}

// CreateIntent creates a paid intent; funds move into escrow immediately.
func (c *Client) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	var intent Intent
	if err := c.post(ctx, "/api/v1/intents", req, &intent); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

// UpdateIntentStatus advances an intent; completing a paid intent releases
// its escrow to the counterparty's billing wallet.
func (c *Client) UpdateIntentStatus(ctx context.Context, req UpdateIntentStatusRequest) (Intent, error) {
	var intent Intent
	if err := c.post(ctx, "/api/v1/intents/status", req, &intent); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

// GetIntent fetches an intent record by derived address.
func (c *Client) GetIntent(ctx context.Context, address string) (Intent, error) {
	var intent Intent
	endpoint := "/api/v1/intents?address=" + url.QueryEscape(address)
	if err := c.get(ctx, endpoint, &intent); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

// ListIntents lists intents matching the query.
func (c *Client) ListIntents(ctx context.Context, query ListIntentsQuery) ([]Intent, error) {
	var intents []Intent
	if err := c.get(ctx, "/api/v1/intents"+query.encode(), &intents); err != nil {
		return nil, err
	}
	return intents, nil
}

// IntentStats returns aggregate counts for intents matching the query.
func (c *Client) IntentStats(ctx context.Context, query ListIntentsQuery) (IntentStats, error) {
	var stats IntentStats
	if err := c.get(ctx, "/api/v1/intents/stats"+query.encode(), &stats); err != nil {
		return IntentStats{}, err
	}
	return stats, nil
}

// GetEscrowBalance returns the funds currently escrowed for an intent.
func (c *Client) GetEscrowBalance(ctx context.Context, intent string) (EscrowBalance, error) {
	var balance EscrowBalance
	endpoint := "/api/v1/ledger/balance?intent=" + url.QueryEscape(intent)
	if err := c.get(ctx, endpoint, &balance); err != nil {
		return EscrowBalance{}, err
	}
	return balance, nil
}

func (q ListIntentsQuery) encode() string {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(q.Statuses) > 0 {
		parts := make([]string, 0, len(q.Statuses))
		for _, status := range q.Statuses {
			parts = append(parts, strconv.Itoa(int(status)))
		}
		values.Set("status", strings.Join(parts, ","))
	}
	if q.FromAgent != "" {
		values.Set("from", q.FromAgent)
	}
	if q.ToAgent != "" {
		values.Set("to", q.ToAgent)
	}
	if q.UpdatedSince > 0 {
		values.Set("updated_since", strconv.FormatInt(q.UpdatedSince, 10))
	}
	if q.UpdatedUntil > 0 {
		values.Set("updated_until", strconv.FormatInt(q.UpdatedUntil, 10))
	}
	if q.HasResult != nil {
		values.Set("has_result", strconv.FormatBool(*q.HasResult))
	}
	if q.Order != "" {
		values.Set("order", q.Order)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), true)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withCaller bool) (*http.Request, error) {
	pathPart := endpoint
	query := ""
	if idx := strings.Index(endpoint, "?"); idx >= 0 {
		pathPart = endpoint[:idx]
		query = endpoint[idx+1:]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, pathPart), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withCaller {
		caller := c.Caller()
		if caller == "" {
			return nil, errors.New("agentmesh: caller wallet is not set")
		}
		req.Header.Set(CallerHeader, caller)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
