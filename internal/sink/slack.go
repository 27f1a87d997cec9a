package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// slackAPI is the slice of the Slack client the sink needs.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// SlackSink posts activities into one Slack thread. Ephemeral activities are
// edited in place via chat.update.
type SlackSink struct {
	client    slackAPI
	channelID string
	threadTS  string
	logger    *logger.Logger

	mu sync.Mutex
	// ephemeralTS is the timestamp of the message holding ephemeral state.
	ephemeralTS string
}

// NewSlackSink creates a sink bound to one thread.
func NewSlackSink(token, channelID, threadTS string, log *logger.Logger) *SlackSink {
	return &SlackSink{
		client:    slack.New(token),
		channelID: channelID,
		threadTS:  threadTS,
		logger:    log.WithFields(zap.String("channel_id", channelID)),
	}
}

func (s *SlackSink) Name() string {
	return "slack"
}

func (s *SlackSink) Post(ctx context.Context, activity *Activity) error {
	body := tracker.RenderActivityBody(&activity.Activity)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ephemeralTS != "" {
		_, _, _, err := s.client.UpdateMessageContext(ctx, s.channelID, s.ephemeralTS,
			slack.MsgOptionText(body, false))
		if err != nil {
			return fmt.Errorf("failed to update slack message: %w", err)
		}
		if !activity.Ephemeral {
			s.ephemeralTS = ""
		}
		return nil
	}

	options := []slack.MsgOption{slack.MsgOptionText(body, false)}
	if s.threadTS != "" {
		options = append(options, slack.MsgOptionTS(s.threadTS))
	}
	_, timestamp, err := s.client.PostMessageContext(ctx, s.channelID, options...)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	if activity.Ephemeral {
		s.ephemeralTS = timestamp
	}
	return nil
}
