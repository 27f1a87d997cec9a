package tracker

import (
	"context"
	"errors"
)

// ErrNoTracker is returned by NoopService when no tracker is configured.
var ErrNoTracker = errors.New("issue tracker not configured")

// NoopService satisfies Service without a backend. Used for repositories
// that only serve chat surfaces.
type NoopService struct{}

func (s *NoopService) Viewer(context.Context) (*User, error) {
	return &User{ID: "noop", Name: "cyrus", IsBot: true}, nil
}

func (s *NoopService) GetIssue(context.Context, string) (*Issue, error) {
	return nil, ErrNoTracker
}

func (s *NoopService) GetComment(context.Context, string) (*Comment, error) {
	return nil, ErrNoTracker
}

func (s *NoopService) GetUser(context.Context, string) (*User, error) {
	return nil, ErrNoTracker
}

func (s *NoopService) ListTeams(context.Context) ([]Team, error) {
	return nil, nil
}

func (s *NoopService) ListLabels(context.Context, string) ([]Label, error) {
	return nil, nil
}

func (s *NoopService) ListWorkflowStates(context.Context, string) ([]WorkflowState, error) {
	return nil, nil
}

func (s *NoopService) ListComments(context.Context, string) ([]Comment, error) {
	return nil, nil
}

func (s *NoopService) CreateComment(context.Context, string, string, string) (string, error) {
	return "", ErrNoTracker
}

func (s *NoopService) UpdateComment(context.Context, string, string) error {
	return ErrNoTracker
}

func (s *NoopService) PostActivity(context.Context, string, *Activity) (string, error) {
	return "", ErrNoTracker
}

func (s *NoopService) UploadAttachment(context.Context, string, string, []byte) (*Attachment, error) {
	return nil, ErrNoTracker
}
