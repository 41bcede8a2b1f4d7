package pawmise

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const user = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestChatSendsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ai-agent/"+user {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["message"] != "hi" {
			t.Errorf("unexpected body: %v %v", body, err)
		}
		_ = json.NewEncoder(w).Encode(Reply{Success: true, Message: "*wag*"})
	}))
	defer srv.Close()

	reply, err := newClient(t, srv).Chat(context.Background(), user, "hi")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !reply.Success || reply.Message != "*wag*" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestHistoryReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Failed to get chat history"})
	}))
	defer srv.Close()

	_, err := newClient(t, srv).History(context.Background(), user)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Failed to get chat history" {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestDepositAndWaitForTask(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pets/p1/deposit":
			_ = json.NewEncoder(w).Encode(Deposit{Pet: Pet{ID: "p1", Balance: "150"}, TaskID: "t1"})
		case "/tasks/t1":
			status := "running"
			if polls.Add(1) >= 2 {
				status = "succeeded"
			}
			_ = json.NewEncoder(w).Encode(Task{ID: "t1", Status: status, Result: &TaskResult{Tier: 2}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	deposit, err := client.Deposit(ctx, "p1", "150")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if deposit.TaskID != "t1" || deposit.Pet.Balance != "150" {
		t.Fatalf("unexpected deposit: %+v", deposit)
	}
	done, err := client.WaitForTask(ctx, deposit.TaskID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != "succeeded" || done.Result == nil || done.Result.Tier != 2 {
		t.Fatalf("unexpected task: %+v", done)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "任务不存在", "code": "TASK_NOT_FOUND"})
	}))
	defer srv.Close()

	_, err := newClient(t, srv).GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestUserRegistrationAndLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/users":
			var req UserRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress != user {
				t.Errorf("unexpected body: %+v %v", req, err)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(User{ID: "u1", WalletAddress: req.WalletAddress, Username: req.Username})
		case r.Method == http.MethodGet && r.URL.Path == "/users/address/"+user:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":            "u1",
				"walletAddress": user,
				"pet":           map[string]any{"id": "p1", "userId": "u1", "balance": "0", "active": false},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "用户不存在", "code": "NOT_FOUND"})
		}
	}))
	defer srv.Close()

	client := newClient(t, srv)
	ctx := context.Background()

	created, err := client.CreateUser(ctx, UserRequest{WalletAddress: user, Username: "mochi-owner"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.ID != "u1" || created.Username != "mochi-owner" {
		t.Fatalf("unexpected user: %+v", created)
	}

	profile, err := client.GetUserByAddress(ctx, user)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if profile.ID != "u1" || profile.Pet == nil || profile.Pet.ID != "p1" || profile.Pet.Active {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	_, err = client.GetUserByAddress(ctx, "0x0000000000000000000000000000000000000001")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}
