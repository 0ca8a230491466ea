package sandbox

import (
	"context"
	"log/slog"
	"time"
)

// Consumer polls the delay queue and dispatches due pause/delete actions
// through the controller. Delivery is at-least-once; HandleQueueMessage
// deduplicates against each sandbox's last activity.
type Consumer struct {
	queue      *RedisQueue
	controller *Controller
	interval   time.Duration
}

// NewConsumer builds a Consumer. interval <= 0 defaults to one second.
func NewConsumer(queue *RedisQueue, controller *Controller, interval time.Duration) *Consumer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Consumer{queue: queue, controller: controller, interval: interval}
}

// Run polls until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

func (c *Consumer) drain(ctx context.Context) {
	msgs, err := c.queue.PopDue(ctx, time.Now())
	if err != nil {
		slog.Warn("delay queue poll failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if err := c.controller.HandleQueueMessage(ctx, msg.SandboxID, msg.Action, msg.DeliverAt); err != nil {
			slog.Error("delay queue action failed", "sandbox_id", msg.SandboxID, "action", msg.Action, "error", err)
		}
	}
}
