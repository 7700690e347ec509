// Scaling event notifications. Delivery is fire-and-forget: failures are
// logged and swallowed, never propagated.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

// Notifier delivers a human-readable message.
type Notifier interface {
	Send(ctx context.Context, text string)
}

// SlackNotifier posts messages to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	log        logger.Logger
}

func NewSlackNotifier(webhookURL string, log logger.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Send posts the message. Errors are logged, never returned.
func (n *SlackNotifier) Send(ctx context.Context, text string) {
	if n.webhookURL == "" {
		n.log.Debugf("no webhook configured, skipping notification")
		return
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		n.log.Errorf("marshal notification: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		n.log.Errorf("build notification request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Errorf("send notification: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Errorf("notification rejected: status %d", resp.StatusCode)
		return
	}
	n.log.Debugf("notification sent")
}

// NopNotifier discards messages. Used when notifications are disabled and
// in tests.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, string) {}

// FormatScaleEvent renders a completed scaling action for humans.
func FormatScaleEvent(direction, reason string, delta, newNodeCount int, cpu, memory float64, pending int, instanceIDs []string) string {
	emoji := ":large_green_circle:"
	title := "Scale Up"
	if direction == "scale_down" {
		emoji = ":large_blue_circle:"
		title = "Scale Down"
	}

	msg := fmt.Sprintf("%s *%s*\n*Reason:* %s\n*Nodes Changed:* %d\n*Total Nodes:* %d\n*Metrics:*\n  • CPU: %.1f%%\n  • Memory: %.1f%%\n  • Pending Pods: %d\n",
		emoji, title, reason, delta, newNodeCount, cpu, memory, pending)

	if len(instanceIDs) > 0 {
		shown := instanceIDs
		if len(shown) > 3 {
			shown = shown[:3]
		}
		msg += "*Instance IDs:* "
		for i, id := range shown {
			if i > 0 {
				msg += ", "
			}
			msg += id
		}
	}
	return msg
}

// FormatError renders a control loop failure.
func FormatError(err error) string {
	return fmt.Sprintf(":red_circle: *Autoscaler Error*\n```%v```", err)
}
