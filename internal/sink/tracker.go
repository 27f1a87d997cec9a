package sink

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// TrackerSink posts activities as comments on the session's issue thread.
// Ephemeral activities are updated in place until a non-ephemeral activity
// takes over the comment.
type TrackerSink struct {
	svc     tracker.Service
	issueID string
	logger  *logger.Logger

	mu sync.Mutex
	// ephemeralCommentID is the comment currently holding ephemeral state.
	ephemeralCommentID string
}

// NewTrackerSink creates a sink bound to one issue.
func NewTrackerSink(svc tracker.Service, issueID string, log *logger.Logger) *TrackerSink {
	return &TrackerSink{
		svc:     svc,
		issueID: issueID,
		logger:  log.WithFields(zap.String("issue_id", issueID)),
	}
}

func (s *TrackerSink) Name() string {
	return "tracker"
}

func (s *TrackerSink) Post(ctx context.Context, activity *Activity) error {
	act := activity.Activity
	body, err := s.appendAttachments(ctx, act.Body, activity.Attachments)
	if err != nil {
		return err
	}
	act.Body = body

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ephemeralCommentID != "" {
		// Replace the held comment rather than appending a new one.
		if err := s.svc.UpdateComment(ctx, s.ephemeralCommentID, tracker.RenderActivityBody(&act)); err != nil {
			return fmt.Errorf("failed to replace ephemeral comment: %w", err)
		}
		if !act.Ephemeral {
			s.ephemeralCommentID = ""
		}
		return nil
	}

	commentID, err := s.svc.PostActivity(ctx, s.issueID, &act)
	if err != nil {
		return fmt.Errorf("failed to post activity: %w", err)
	}
	if act.Ephemeral {
		s.ephemeralCommentID = commentID
	}
	return nil
}

// appendAttachments uploads files first, then references them in the body.
func (s *TrackerSink) appendAttachments(ctx context.Context, body string, uploads []Upload) (string, error) {
	for _, upload := range uploads {
		ref, err := s.svc.UploadAttachment(ctx, upload.Filename, upload.ContentType, upload.Data)
		if err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", upload.Filename, err)
		}
		body += fmt.Sprintf("\n\n[%s](%s)", ref.Filename, ref.URL)
	}
	return body, nil
}
