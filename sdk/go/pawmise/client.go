// Package pawmise is a thin client for the Pawmise REST API.
package pawmise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Chat turns run a full tool loop, so it is longer than a plain REST call.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with a pawmised server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Reply is the outcome of one chat turn.
type Reply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// FlowResult is the outcome of an emergency withdrawal or a staking flow.
type FlowResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TxHash  string `json:"txHash,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Pet is the public view of a pet record. Balance is in token base units.
type Pet struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	Breed         string    `json:"breed,omitempty"`
	Balance       string    `json:"balance"`
	Active        bool      `json:"active"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// User is a registered wallet owner.
type User struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	Username      string    `json:"username,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UserRequest registers a wallet owner.
type UserRequest struct {
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username,omitempty"`
}

// UserProfile is a user together with their most recently created pet.
// Pet is nil when the user never adopted one and may be inactive otherwise.
type UserProfile struct {
	User
	Pet *Pet `json:"pet"`
}

// PetRequest creates a pet for a user.
type PetRequest struct {
	UserAddress string `json:"userAddress"`
	Username    string `json:"username,omitempty"`
	Name        string `json:"name"`
	Breed       string `json:"breed,omitempty"`
}

// Deposit is the response of a deposit call. TaskID names the progression
// task scheduled by the balance change, when one was scheduled.
type Deposit struct {
	Pet    Pet    `json:"pet"`
	TaskID string `json:"taskId"`
}

// TaskResult is filled once a progression task succeeds.
type TaskResult struct {
	Summary string `json:"summary"`
	TxHash  string `json:"tx_hash,omitempty"`
	Tier    int    `json:"tier,omitempty"`
}

// Task is the public view of a background task.
type Task struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Address    string      `json:"address"`
	PetID      string      `json:"pet_id,omitempty"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Finished reports whether the task reached a terminal status.
func (t Task) Finished() bool {
	return t.Status == "succeeded" || t.Status == "failed"
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
		return fmt.Sprintf("pawmise api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pawmise api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
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

// Chat sends one message on behalf of userAddress. A failed turn is reported
// through Reply.Success rather than an error.
func (c *Client) Chat(ctx context.Context, userAddress, message string) (Reply, error) {
	var reply Reply
	body := map[string]string{"message": message}
	if err := c.call(ctx, http.MethodPost, "/ai-agent/"+url.PathEscape(userAddress), body, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// History returns the stored conversation for userAddress.
func (c *Client) History(ctx context.Context, userAddress string) ([]Message, error) {
	var out struct {
		Success bool      `json:"success"`
		History []Message `json:"history"`
		Error   string    `json:"error"`
	}
	if err := c.call(ctx, http.MethodGet, "/ai-agent/history/"+url.PathEscape(userAddress), nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &APIError{StatusCode: http.StatusOK, Message: out.Error}
	}
	return out.History, nil
}

// ClearHistory drops the conversation for userAddress and reports whether
// anything was removed.
func (c *Client) ClearHistory(ctx context.Context, userAddress string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.call(ctx, http.MethodDelete, "/ai-agent/"+url.PathEscape(userAddress), nil, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// EmergencyWithdrawal moves the pet's savings back to the user.
func (c *Client) EmergencyWithdrawal(ctx context.Context, userAddress string) (FlowResult, error) {
	return c.flow(ctx, userAddress, "emergency-withdrawal")
}

// StakeAllTokens stakes the pet's whole savings balance.
func (c *Client) StakeAllTokens(ctx context.Context, userAddress string) (FlowResult, error) {
	return c.flow(ctx, userAddress, "stake-all-tokens")
}

// StakeHalfTokens stakes half of the pet's savings balance.
func (c *Client) StakeHalfTokens(ctx context.Context, userAddress string) (FlowResult, error) {
	return c.flow(ctx, userAddress, "stake-half-tokens")
}

func (c *Client) flow(ctx context.Context, userAddress, action string) (FlowResult, error) {
	var result FlowResult
	if err := c.call(ctx, http.MethodPost, "/ai-agent/"+url.PathEscape(userAddress)+"/"+action, nil, &result); err != nil {
		return FlowResult{}, err
	}
	return result, nil
}

// CreateUser registers a wallet owner. A duplicate address yields a 409 APIError.
func (c *Client) CreateUser(ctx context.Context, req UserRequest) (User, error) {
	var created User
	if err := c.call(ctx, http.MethodPost, "/users", req, &created); err != nil {
		return User{}, err
	}
	return created, nil
}

// GetUserByAddress looks up a user and their latest pet by wallet address.
func (c *Client) GetUserByAddress(ctx context.Context, address string) (UserProfile, error) {
	var profile UserProfile
	if err := c.call(ctx, http.MethodGet, "/users/address/"+url.PathEscape(address), nil, &profile); err != nil {
		return UserProfile{}, err
	}
	return profile, nil
}

// CreatePet registers a pet for a user.
func (c *Client) CreatePet(ctx context.Context, req PetRequest) (Pet, error) {
	var created Pet
	if err := c.call(ctx, http.MethodPost, "/pets", req, &created); err != nil {
		return Pet{}, err
	}
	return created, nil
}

// GetPet fetches a pet by identifier.
func (c *Client) GetPet(ctx context.Context, petID string) (Pet, error) {
	var found Pet
	if err := c.call(ctx, http.MethodGet, "/pets/"+url.PathEscape(petID), nil, &found); err != nil {
		return Pet{}, err
	}
	return found, nil
}

// Deposit credits amount, given in token base units, to the pet.
func (c *Client) Deposit(ctx context.Context, petID, amount string) (Deposit, error) {
	var out Deposit
	body := map[string]string{"amount": amount}
	if err := c.call(ctx, http.MethodPost, "/pets/"+url.PathEscape(petID)+"/deposit", body, &out); err != nil {
		return Deposit{}, err
	}
	return out, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	if err := c.call(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &detail); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// WaitForTask polls GetTask until the task finishes or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if detail.Finished() {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
