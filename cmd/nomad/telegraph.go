package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"

	"github.com/ddcodepl/nomad/internal/config"
)

// slackAdapter sends digest and failure-alert text over Slack's Web API.
// It implements notifybridge.Adapter's single Send method; the bridge only
// sends, it never listens.
type slackAdapter struct {
	client *slackapi.Client
}

func (a *slackAdapter) Send(ctx context.Context, channel, text string) error {
	_, _, err := a.client.PostMessageContext(ctx, channel, slackapi.MsgOptionText(text, false))
	return err
}

// discordAdapter sends digest and failure-alert text over a Discord bot
// session.
type discordAdapter struct {
	session *discordgo.Session
}

func (a *discordAdapter) Send(ctx context.Context, channel, text string) error {
	_, err := a.session.ChannelMessageSend(channel, text)
	return err
}

// buildTelegraphAdapter constructs the configured platform's Send-only
// adapter for notifybridge.
func buildTelegraphAdapter(cfg *config.Config) (interface {
	Send(ctx context.Context, channel, text string) error
}, error) {
	switch cfg.Telegraph.Platform {
	case "slack":
		return &slackAdapter{client: slackapi.New(cfg.Telegraph.Slack.BotToken)}, nil
	case "discord":
		sess, err := discordgo.New("Bot " + cfg.Telegraph.Discord.BotToken)
		if err != nil {
			return nil, fmt.Errorf("telegraph: create discord session: %w", err)
		}
		return &discordAdapter{session: sess}, nil
	default:
		return nil, fmt.Errorf("telegraph: unsupported platform %q", cfg.Telegraph.Platform)
	}
}
