package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/metrics"
)

// Tracker webhook actions. These follow the Linear app-user-notification
// vocabulary.
const (
	actionIssueAssigned   = "issueAssignedToYou"
	actionIssueUnassigned = "issueUnassignedFromYou"
	actionNewComment      = "issueNewComment"
	actionCommentMention  = "issueCommentMention"
	actionIssueMention    = "issueMention"
)

// trackerPayload is the webhook body. Unknown actions normalise to ignore.
type trackerPayload struct {
	Action       string `json:"action"`
	Type         string `json:"type"`
	WebhookID    string `json:"webhookId"`
	Notification struct {
		IssueID string `json:"issueId"`
		Issue   struct {
			ID         string `json:"id"`
			Identifier string `json:"identifier"`
			TeamKey    string `json:"teamKey"`
		} `json:"issue"`
		Comment struct {
			ID   string `json:"id"`
			Body string `json:"body"`
		} `json:"comment"`
		Actor struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"actor"`
	} `json:"notification"`
	WorkspaceID string `json:"organizationId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TrackerWebhook receives issue-tracker notifications on /webhook. Direct
// deliveries are HMAC-signed; deliveries forwarded by a proxy carry a Bearer
// token instead.
type TrackerWebhook struct {
	secret      string
	bearerToken string
	handler     Handler
	logger      *logger.Logger
	now         func() time.Time
}

// NewTrackerWebhook creates the transport. secret verifies direct HMAC
// deliveries; bearerToken, when set, admits proxied deliveries.
func NewTrackerWebhook(secret, bearerToken string, handler Handler, log *logger.Logger) *TrackerWebhook {
	return &TrackerWebhook{
		secret:      secret,
		bearerToken: bearerToken,
		handler:     handler,
		logger:      log.WithFields(zap.String("transport", KindTracker)),
		now:         time.Now,
	}
}

func (t *TrackerWebhook) Kind() string {
	return KindTracker
}

func (t *TrackerWebhook) Register(r gin.IRouter) {
	r.POST("/webhook", t.handle)
}

func (t *TrackerWebhook) handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !t.authenticate(c, body) {
		metrics.WebhookAuthFailures.WithLabelValues(KindTracker).Inc()
		t.logger.Warn("rejected webhook with bad credentials")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload trackerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	event := t.normalise(&payload)
	if event.Kind != EventIgnore {
		t.handler(c.Request.Context(), event)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (t *TrackerWebhook) authenticate(c *gin.Context, body []byte) bool {
	if auth := c.GetHeader("Authorization"); auth != "" && t.bearerToken != "" {
		return VerifyBearer(auth, t.bearerToken)
	}
	if t.secret == "" {
		return false
	}
	signature := c.GetHeader("X-Webhook-Signature")
	timestamp := c.GetHeader("X-Webhook-Timestamp")
	return VerifyHMAC(t.secret, timestamp, signature, body, t.now()) == nil
}

// normalise maps the tracker action onto the canonical event vocabulary. A
// bare "/stop" comment is a stop command rather than a prompt.
func (t *TrackerWebhook) normalise(payload *trackerPayload) *InboundEvent {
	n := payload.Notification
	event := &InboundEvent{
		TransportKind: KindTracker,
		EnvelopeID:    payload.WebhookID,
		Author:        n.Actor.Name,
		AuthorID:      n.Actor.ID,
		Content:       n.Comment.Body,
		OccurredAt:    payload.CreatedAt,
		Issue: &IssueRefs{
			IssueID:     firstNonEmpty(n.IssueID, n.Issue.ID),
			IssueKey:    n.Issue.Identifier,
			CommentID:   n.Comment.ID,
			TeamKey:     n.Issue.TeamKey,
			WorkspaceID: payload.WorkspaceID,
		},
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = t.now().UTC()
	}

	switch payload.Action {
	case actionIssueAssigned:
		event.Kind = EventNewThread
	case actionIssueUnassigned:
		event.Kind = EventUnassign
	case actionNewComment, actionCommentMention:
		if strings.TrimSpace(n.Comment.Body) == "/stop" {
			event.Kind = EventStop
		} else {
			event.Kind = EventReply
		}
	case actionIssueMention:
		event.Kind = EventMention
	default:
		event.Kind = EventIgnore
	}
	return event
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
