// Package transport normalises inbound events from webhook surfaces into a
// canonical shape and authenticates them before anything else sees the
// payload.
package transport

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// Transport kinds.
const (
	KindTracker = "tracker"
	KindSlack   = "slack"
	KindGitHub  = "github"
)

// Canonical event kinds.
const (
	EventNewThread = "newThread"
	EventReply     = "reply"
	EventMention   = "mention"
	EventUnassign  = "unassign"
	EventStop      = "stop"
	EventIgnore    = "ignore"
)

// Attachment references a file carried by the inbound event.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// SurfaceRefs locates the originating thread on the surface, for posting
// replies back.
type SurfaceRefs struct {
	ChannelID string `json:"channelId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
}

// IssueRefs identifies the tracker issue the event concerns, when known.
type IssueRefs struct {
	IssueID    string `json:"issueId"`
	IssueKey   string `json:"issueKey,omitempty"`
	CommentID  string `json:"commentId,omitempty"`
	TeamKey    string `json:"teamKey,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// InboundEvent is the canonical normalised event every transport produces.
// EnvelopeID is the dedup key: upstream retries reuse it.
type InboundEvent struct {
	TransportKind string       `json:"transportKind"`
	EnvelopeID    string       `json:"envelopeId"`
	Kind          string       `json:"kind"`
	Author        string       `json:"author"`
	AuthorID      string       `json:"authorId,omitempty"`
	Content       string       `json:"content"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	Surface       SurfaceRefs  `json:"surface"`
	Issue         *IssueRefs   `json:"issue,omitempty"`
	OccurredAt    time.Time    `json:"occurredAt"`
}

// Handler receives accepted events.
type Handler func(ctx context.Context, event *InboundEvent)

// Transport is one inbound event source bound to the shared server.
type Transport interface {
	// Kind names the transport for routing, dedup, and metrics.
	Kind() string

	// Register attaches the transport's endpoints.
	Register(r gin.IRouter)
}
