package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/metrics"
)

// githubPayload covers the issue_comment delivery the worker listens for.
type githubPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// GitHubTransport receives code-host comment webhooks on /github-webhook.
type GitHubTransport struct {
	secret string
	// botLogin is the handle whose mention summons the worker.
	botLogin string
	handler  Handler
	logger   *logger.Logger
}

// NewGitHubTransport creates the transport.
func NewGitHubTransport(secret, botLogin string, handler Handler, log *logger.Logger) *GitHubTransport {
	return &GitHubTransport{
		secret:   secret,
		botLogin: botLogin,
		handler:  handler,
		logger:   log.WithFields(zap.String("transport", KindGitHub)),
	}
}

func (t *GitHubTransport) Kind() string {
	return KindGitHub
}

func (t *GitHubTransport) Register(r gin.IRouter) {
	r.POST("/github-webhook", t.handle)
}

func (t *GitHubTransport) handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !VerifyGitHub(t.secret, c.GetHeader("X-Hub-Signature-256"), body) {
		metrics.WebhookAuthFailures.WithLabelValues(KindGitHub).Inc()
		t.logger.Warn("rejected github delivery with bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if c.GetHeader("X-GitHub-Event") != "issue_comment" {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	event := t.normalise(&payload, c.GetHeader("X-GitHub-Delivery"))
	if event != nil {
		t.handler(c.Request.Context(), event)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// normalise turns a created comment into a mention when it names the bot,
// or a reply on an already-tracked thread. Bot-authored comments are
// dropped to avoid loops.
func (t *GitHubTransport) normalise(payload *githubPayload, deliveryID string) *InboundEvent {
	if payload.Action != "created" {
		return nil
	}
	if payload.Comment.User.Type == "Bot" || payload.Comment.User.Login == t.botLogin {
		return nil
	}

	kind := EventReply
	if t.botLogin != "" && strings.Contains(payload.Comment.Body, "@"+t.botLogin) {
		kind = EventMention
	}
	if strings.TrimSpace(payload.Comment.Body) == "/stop" {
		kind = EventStop
	}

	return &InboundEvent{
		TransportKind: KindGitHub,
		EnvelopeID:    deliveryID,
		Kind:          kind,
		Author:        payload.Comment.User.Login,
		AuthorID:      payload.Comment.User.Login,
		Content:       payload.Comment.Body,
		OccurredAt:    payload.Comment.CreatedAt,
		Surface: SurfaceRefs{
			ChannelID: payload.Repository.FullName,
			ThreadID:  fmt.Sprintf("%d", payload.Issue.Number),
			MessageID: fmt.Sprintf("%d", payload.Comment.ID),
		},
	}
}
