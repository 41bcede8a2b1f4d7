package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "pawmise/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutDispatcherJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	dispatcher := NewFanout(ok, nil, failing)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, Message: "slow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel webhook")
	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.events, 1)

	var nilDispatcher *FanoutDispatcher
	assert.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}

func TestEventFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeExternalDependency, "rpc down", xerrors.WithMetadata("chain", "local"))
	event := EventFromError(err, "0xabc")

	assert.Equal(t, xerrors.CodeExternalDependency, event.Code)
	assert.Equal(t, "0xabc", event.Subject)
	assert.Equal(t, "local", event.Metadata["chain"])
	assert.False(t, event.OccurredAt.IsZero())

	plain := EventFromError(errors.New("boom"), "task-1")
	assert.Equal(t, xerrors.CodeUnknown, plain.Code)
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL)
	require.NotNil(t, notifier)
	err := notifier.Notify(context.Background(), Event{
		Code:     xerrors.CodeExecutorFailure,
		Severity: xerrors.SeverityCritical,
		Message:  "withdrawal failed",
		Subject:  "0xabc",
	})
	require.NoError(t, err)
	assert.Equal(t, "EXECUTOR_FAILURE", payload["code"])
	assert.Equal(t, "0xabc", payload["subject"])
	assert.Contains(t, payload["text"], "withdrawal failed")
}

func TestWebhookNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Event{Code: xerrors.CodeTimeout})
	assert.Error(t, err)
	assert.Nil(t, NewWebhookNotifier("  "))
}
