package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slackTestServer(t *testing.T) (*gin.Engine, *capturedEvents, *SlackTransport) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	captured := &capturedEvents{}
	tr := NewSlackTransport("signing-secret", "U0BOT", captured.handler, testTransportLogger(t))
	engine := gin.New()
	tr.Register(engine)
	return engine, captured, tr
}

func signedSlackRequest(body []byte, at time.Time) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/slack-webhook", bytes.NewReader(body))
	timestamp := fmt.Sprintf("%d", at.Unix())
	req.Header.Set("X-Slack-Request-Timestamp", timestamp)
	req.Header.Set("X-Slack-Signature", SignHMAC("signing-secret", timestamp, body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestSlackURLVerificationEcho(t *testing.T) {
	engine, captured, tr := slackTestServer(t)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, signedSlackRequest(body, now))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Body.String())
	assert.Empty(t, captured.events)
}

func TestSlackAppMentionNormalised(t *testing.T) {
	engine, captured, tr := slackTestServer(t)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	body := []byte(`{
		"type": "event_callback",
		"event_id": "Ev123",
		"team_id": "T001",
		"event": {
			"type": "app_mention",
			"user": "U123",
			"text": "<@U0BOT> fix the login bug",
			"ts": "1700000000.000100",
			"channel": "C555"
		}
	}`)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, signedSlackRequest(body, now))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, captured.events, 1)

	event := captured.events[0]
	assert.Equal(t, EventMention, event.Kind)
	assert.Equal(t, "Ev123", event.EnvelopeID)
	assert.Equal(t, "fix the login bug", event.Content)
	assert.Equal(t, "C555", event.Surface.ChannelID)
	assert.Equal(t, "1700000000.000100", event.Surface.ThreadID)
}

func TestSlackThreadReplyNormalised(t *testing.T) {
	engine, captured, tr := slackTestServer(t)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	body := []byte(`{
		"type": "event_callback",
		"event_id": "Ev124",
		"event": {
			"type": "message",
			"user": "U123",
			"text": "also update the docs",
			"ts": "1700000100.000200",
			"thread_ts": "1700000000.000100",
			"channel": "C555"
		}
	}`)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, signedSlackRequest(body, now))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, captured.events, 1)
	assert.Equal(t, EventReply, captured.events[0].Kind)
	assert.Equal(t, "1700000000.000100", captured.events[0].Surface.ThreadID)
}

func TestSlackIgnoresNonThreadAndBotMessages(t *testing.T) {
	engine, captured, tr := slackTestServer(t)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	// Top-level channel chatter: no thread_ts.
	chatter := []byte(`{
		"type": "event_callback",
		"event_id": "Ev125",
		"event": {"type":"message","user":"U123","text":"hello","ts":"1.2","channel":"C555"}
	}`)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, signedSlackRequest(chatter, now))
	assert.Equal(t, http.StatusOK, w.Code)

	// The worker's own reply echoed back.
	own := []byte(`{
		"type": "event_callback",
		"event_id": "Ev126",
		"event": {"type":"message","user":"U0BOT","text":"done","ts":"1.3","thread_ts":"1.1","channel":"C555"}
	}`)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, signedSlackRequest(own, now))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Empty(t, captured.events)
}

func TestSlackRejectsBadSignature(t *testing.T) {
	engine, captured, tr := slackTestServer(t)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }

	body := []byte(`{"type":"url_verification","challenge":"abc"}`)
	req := httptest.NewRequest(http.MethodPost, "/slack-webhook", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", fmt.Sprintf("%d", now.Unix()))
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, captured.events)
}
