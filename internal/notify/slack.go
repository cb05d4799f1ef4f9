package notify

import (
	"context"
	"errors"

	"github.com/slack-go/slack"

	"triagent/internal/logging"
)

// SlackSender delivers messages through the Slack Web API as the bot user.
type SlackSender struct {
	api *slack.Client
}

// NewSlackSender builds a sender for the given bot token. An empty token
// yields a disabled sender so the pipeline can run without chat access.
func NewSlackSender(token string) *SlackSender {
	if token == "" {
		logging.NotifyWarn("Chat bot token not configured, notifications disabled")
		return &SlackSender{}
	}
	return &SlackSender{api: slack.New(token)}
}

// Available reports whether the sender holds a usable client.
func (s *SlackSender) Available() bool {
	return s != nil && s.api != nil
}

// SendMessage posts a direct message and returns the message timestamp.
// Link and media unfurling stay off so issue links render compactly.
func (s *SlackSender) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	if s.api == nil {
		return "", errors.New("chat client not initialized (missing token)")
	}
	_, ts, err := s.api.PostMessageContext(ctx, chatID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
		slack.MsgOptionDisableMediaUnfurl(),
	)
	if err != nil {
		return "", err
	}
	return ts, nil
}
