package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/metrics"
)

// SlackTransport receives Events API callbacks on /slack-webhook. Signatures
// use Slack's v0 scheme, which is the same base-string HMAC the tracker
// webhook uses.
type SlackTransport struct {
	signingSecret string
	botUserID     string
	handler       Handler
	logger        *logger.Logger
	now           func() time.Time
}

// NewSlackTransport creates the transport. botUserID filters out the
// worker's own messages.
func NewSlackTransport(signingSecret, botUserID string, handler Handler, log *logger.Logger) *SlackTransport {
	return &SlackTransport{
		signingSecret: signingSecret,
		botUserID:     botUserID,
		handler:       handler,
		logger:        log.WithFields(zap.String("transport", KindSlack)),
		now:           time.Now,
	}
}

func (t *SlackTransport) Kind() string {
	return KindSlack
}

func (t *SlackTransport) Register(r gin.IRouter) {
	r.POST("/slack-webhook", t.handle)
}

func (t *SlackTransport) handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader("X-Slack-Signature")
	timestamp := c.GetHeader("X-Slack-Request-Timestamp")
	if err := VerifyHMAC(t.signingSecret, timestamp, signature, body, t.now()); err != nil {
		metrics.WebhookAuthFailures.WithLabelValues(KindSlack).Inc()
		t.logger.Warn("rejected slack event", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	outer, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	switch outer.Type {
	case slackevents.URLVerification:
		// Handshake is answered in line and never forwarded.
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed challenge"})
			return
		}
		c.String(http.StatusOK, challenge.Challenge)
		return

	case slackevents.CallbackEvent:
		var envelope struct {
			EventID string `json:"event_id"`
			TeamID  string `json:"team_id"`
		}
		_ = json.Unmarshal(body, &envelope)
		if event := t.normalise(&outer, envelope.EventID, envelope.TeamID); event != nil {
			t.handler(c.Request.Context(), event)
		}
		c.JSON(http.StatusOK, gin.H{"success": true})

	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// normalise maps mention and thread-reply callbacks onto the canonical
// vocabulary. Returns nil for events the worker does not act on.
func (t *SlackTransport) normalise(outer *slackevents.EventsAPIEvent, envelopeID, teamID string) *InboundEvent {
	switch inner := outer.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		return &InboundEvent{
			TransportKind: KindSlack,
			EnvelopeID:    envelopeID,
			Kind:          EventMention,
			AuthorID:      inner.User,
			Content:       stripBotMention(inner.Text, t.botUserID),
			OccurredAt:    slackTimestamp(inner.TimeStamp, t.now),
			Surface: SurfaceRefs{
				ChannelID: inner.Channel,
				ThreadID:  firstNonEmpty(inner.ThreadTimeStamp, inner.TimeStamp),
				MessageID: inner.TimeStamp,
				TeamID:    teamID,
			},
		}

	case *slackevents.MessageEvent:
		// Only thread replies from humans continue a session.
		if inner.ThreadTimeStamp == "" || inner.BotID != "" || inner.User == t.botUserID {
			return nil
		}
		kind := EventReply
		if strings.TrimSpace(inner.Text) == "/stop" {
			kind = EventStop
		}
		return &InboundEvent{
			TransportKind: KindSlack,
			EnvelopeID:    envelopeID,
			Kind:          kind,
			AuthorID:      inner.User,
			Content:       inner.Text,
			OccurredAt:    slackTimestamp(inner.TimeStamp, t.now),
			Surface: SurfaceRefs{
				ChannelID: inner.Channel,
				ThreadID:  inner.ThreadTimeStamp,
				MessageID: inner.TimeStamp,
				TeamID:    teamID,
			},
		}
	}
	return nil
}

// stripBotMention removes the leading <@BOTID> token from mention text.
func stripBotMention(text, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botUserID+">", ""))
}

// slackTimestamp converts Slack's "1700000000.000100" message stamps.
func slackTimestamp(ts string, now func() time.Time) time.Time {
	seconds, _, _ := strings.Cut(ts, ".")
	unix, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
