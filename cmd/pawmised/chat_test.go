package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pawmise/sdk/go/pawmise"
)

func TestRunChatDispatchesCommands(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/stake-half-tokens"):
			_ = json.NewEncoder(w).Encode(pawmise.FlowResult{Success: true, Message: "staked", Amount: "5", TxHash: "0x01"})
		case strings.HasPrefix(r.URL.Path, "/ai-agent/history/"):
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "history": []pawmise.Message{{Role: "user", Content: "hi"}}})
		default:
			_ = json.NewEncoder(w).Encode(pawmise.Reply{Success: true, Message: "*wag*"})
		}
	}))
	defer srv.Close()

	client, err := pawmise.NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var out bytes.Buffer
	in := strings.NewReader("hi\n/history\n/stake-half\n/quit\nnever sent\n")
	if err := runChat(context.Background(), client, "0xabc", in, &out); err != nil {
		t.Fatalf("run chat: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"POST /ai-agent/0xabc", "GET /ai-agent/history/0xabc", "POST /ai-agent/0xabc/stake-half-tokens"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected requests: %v", paths)
	}
	for _, fragment := range []string{"*wag*", "[user] hi", "amount: 5", "tx: 0x01"} {
		if !strings.Contains(out.String(), fragment) {
			t.Fatalf("output %q missing %q", out.String(), fragment)
		}
	}
}

func TestRunChatReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Failed to process message"})
	}))
	defer srv.Close()

	client, err := pawmise.NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var out bytes.Buffer
	if err := runChat(context.Background(), client, "0xabc", strings.NewReader("hi\n"), &out); err != nil {
		t.Fatalf("run chat: %v", err)
	}
	if !strings.Contains(out.String(), "error: Failed to process message") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}
