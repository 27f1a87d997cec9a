package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// discordSession is the slice of the Discord client the sink needs.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord caps message bodies at 2000 characters.
const discordMessageLimit = 2000

// DiscordSink posts activities into one Discord channel or thread.
type DiscordSink struct {
	session   discordSession
	channelID string
	logger    *logger.Logger

	mu sync.Mutex
	// ephemeralMessageID is the message holding ephemeral state.
	ephemeralMessageID string
}

// NewDiscordSink creates a sink over an established Discord session.
func NewDiscordSink(session *discordgo.Session, channelID string, log *logger.Logger) *DiscordSink {
	return &DiscordSink{
		session:   session,
		channelID: channelID,
		logger:    log.WithFields(zap.String("channel_id", channelID)),
	}
}

func (s *DiscordSink) Name() string {
	return "discord"
}

func (s *DiscordSink) Post(ctx context.Context, activity *Activity) error {
	body := truncateForDiscord(tracker.RenderActivityBody(&activity.Activity))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ephemeralMessageID != "" {
		_, err := s.session.ChannelMessageEdit(s.channelID, s.ephemeralMessageID, body,
			discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to edit discord message: %w", err)
		}
		if !activity.Ephemeral {
			s.ephemeralMessageID = ""
		}
		return nil
	}

	msg, err := s.session.ChannelMessageSend(s.channelID, body, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	if activity.Ephemeral {
		s.ephemeralMessageID = msg.ID
	}
	return nil
}

func truncateForDiscord(body string) string {
	if len(body) <= discordMessageLimit {
		return body
	}
	return body[:discordMessageLimit-1] + "…"
}
