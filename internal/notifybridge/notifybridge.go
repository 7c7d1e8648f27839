// Package notifybridge adds an operator-facing digest on top of the
// board-internal feedback channel: a rolling success-rate line every
// 10 dispatcher cycles and a Failed-transition alert, posted to Slack or
// Discord. Purely additive and one-way: it never reads the board or
// drives dispatch decisions.
package notifybridge

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Adapter is the narrow platform seam notifybridge depends on, so tests
// fake the adapter instead of hitting a real chat API.
type Adapter interface {
	Send(ctx context.Context, channel, text string) error
}

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextCronDuration returns the duration until expr's next fire time, or 0
// on a parse error.
func NextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// Bridge posts dispatcher digests and failure alerts to a configured chat
// channel.
type Bridge struct {
	adapter Adapter
	channel string
	cron    string
}

// Opts configures a Bridge.
type Opts struct {
	Adapter Adapter
	Channel string
	Cron    string // digest schedule, 5-field cron expression
}

// New constructs a Bridge. A nil Adapter disables sending (tests and
// unconfigured deployments both use this to no-op safely).
func New(opts Opts) *Bridge {
	return &Bridge{adapter: opts.Adapter, channel: opts.Channel, cron: opts.Cron}
}

// Enabled reports whether the bridge has a configured adapter and channel.
func (b *Bridge) Enabled() bool {
	return b.adapter != nil && b.channel != ""
}

// PostDigest sends a rolling success-rate digest, the same line the
// dispatcher logs every 10 cycles, forwarded to chat when configured.
func (b *Bridge) PostDigest(ctx context.Context, cycles int, successRate float64) error {
	if !b.Enabled() {
		return nil
	}
	text := fmt.Sprintf("nomad: %d cycles complete, rolling success rate %.1f%%", cycles, successRate*100)
	return b.adapter.Send(ctx, b.channel, text)
}

// PostFailureAlert sends an alert when a task transitions to Failed,
// including the ticket id, the failing stage, and the last feedback entry.
func (b *Bridge) PostFailureAlert(ctx context.Context, ticketID, stage, lastFeedback string) error {
	if !b.Enabled() {
		return nil
	}
	text := fmt.Sprintf("nomad: %s failed at %s\n%s", ticketID, stage, lastFeedback)
	return b.adapter.Send(ctx, b.channel, text)
}

// NextDigestDuration returns the time until the configured digest cron
// next fires, or 0 if no schedule is configured.
func (b *Bridge) NextDigestDuration() time.Duration {
	if b.cron == "" {
		return 0
	}
	return NextCronDuration(b.cron)
}
