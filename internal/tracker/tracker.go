// Package tracker abstracts the issue-tracking backend. The edge worker
// reads issues and threads from it and writes agent activities back as
// comments.
package tracker

import (
	"context"
	"time"
)

// Activity kinds posted back to the tracker.
const (
	ActivityThought     = "thought"
	ActivityAction      = "action"
	ActivityResponse    = "response"
	ActivityError       = "error"
	ActivityElicitation = "elicitation"
)

// Issue is a tracker ticket.
type Issue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	BranchName  string   `json:"branchName"`
	TeamKey     string   `json:"teamKey"`
	StateName   string   `json:"stateName"`
	AssigneeID  string   `json:"assigneeId"`
	Labels      []string `json:"labels"`
}

// Comment is one entry of an issue's thread.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	AuthorID  string    `json:"authorId"`
	Author    string    `json:"author"`
	ParentID  string    `json:"parentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is a tracker account.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	IsBot       bool   `json:"isBot"`
}

// Team groups issues under a key prefix (e.g. "CY" for CY-42).
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Label is an issue label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkflowState is one column of a team's workflow.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Activity is a unit of agent output posted to the tracker.
type Activity struct {
	Kind string `json:"kind"`
	Body string `json:"body"`
	// Ephemeral activities are replaced by the next non-ephemeral one.
	Ephemeral bool `json:"ephemeral"`
	// Signal carries a control hint such as "stop" or "awaitingInput".
	Signal string `json:"signal,omitempty"`
	// SourceCommentID threads the activity under the triggering comment.
	SourceCommentID string `json:"sourceCommentId,omitempty"`
}

// Attachment is an uploaded file reference.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Service is the tracker contract consumed by the rest of the worker.
type Service interface {
	// Viewer returns the authenticated account, used to recognize
	// self-authored events.
	Viewer(ctx context.Context) (*User, error)

	GetIssue(ctx context.Context, issueID string) (*Issue, error)
	GetComment(ctx context.Context, commentID string) (*Comment, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	ListTeams(ctx context.Context) ([]Team, error)
	ListLabels(ctx context.Context, teamID string) ([]Label, error)
	ListWorkflowStates(ctx context.Context, teamID string) ([]WorkflowState, error)
	ListComments(ctx context.Context, issueID string) ([]Comment, error)

	// CreateComment posts a comment, optionally threaded under parentID.
	// Returns the new comment id.
	CreateComment(ctx context.Context, issueID, body, parentID string) (string, error)

	// UpdateComment rewrites an existing comment body. Used to replace
	// ephemeral activities in place.
	UpdateComment(ctx context.Context, commentID, body string) error

	// PostActivity renders an activity and delivers it to the issue
	// thread. Returns the id of the created (or updated) comment.
	PostActivity(ctx context.Context, issueID string, activity *Activity) (string, error)

	// UploadAttachment stores a file and returns its reference.
	UploadAttachment(ctx context.Context, filename, contentType string, data []byte) (*Attachment, error)
}
