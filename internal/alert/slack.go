package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

type SlackConfig struct {
	Token      string
	Channel    string
	APIURL     string
	HTTPClient *http.Client
}

// SlackNotifier posts alerts into an operators channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

func NewSlackNotifier(config SlackConfig) (*SlackNotifier, error) {
	token := strings.TrimSpace(config.Token)
	if token == "" {
		return nil, errors.New("missing SLACK_BOT_TOKEN")
	}
	channel := strings.TrimSpace(config.Channel)
	if channel == "" {
		return nil, errors.New("missing SLACK_ALERT_CHANNEL")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	options := []slack.Option{slack.OptionHTTPClient(config.HTTPClient)}
	if base := strings.TrimSpace(config.APIURL); base != "" {
		options = append(options, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	return &SlackNotifier{
		client:  slack.New(token, options...),
		channel: channel,
	}, nil
}

func (n *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(alert.Text(), false))
	if err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	return nil
}
