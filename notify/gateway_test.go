package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookGateway_PostsEnvelope(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/notify", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewWebhookGateway(srv.URL, 2*time.Second, nil)
	err := g.Notify(context.Background(), Message{
		Channel:   ChannelSMS,
		Recipient: "+911234567890",
		Template:  "sos_alternate_channel",
		Data:      map[string]any{"case_id": "c1"},
	})

	require.NoError(t, err)
	assert.Equal(t, ChannelSMS, got.Channel)
	assert.Equal(t, "sos_alternate_channel", got.Template)
}

func TestWebhookGateway_ErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewWebhookGateway(srv.URL, 2*time.Second, nil)
	err := g.Notify(context.Background(), Message{Channel: ChannelEmail, Template: "t"})

	assert.Error(t, err)
}

func TestWebhookGateway_NoBackendIsNoop(t *testing.T) {
	g := NewWebhookGateway("", time.Second, nil)
	assert.NoError(t, g.Notify(context.Background(), Message{Channel: ChannelPush, Template: "t"}))
}
