// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package orders

import (
	"context"
	"log/slog"

	"github.com/absmach/fluxconsumer/consumer"
)

// NewLogHandler logs every message it receives. Messages on a known order
// flow queue are decoded first and rejected when they do not parse; other
// queues are logged as raw text.
func NewLogHandler(logger *slog.Logger) consumer.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return consumer.HandlerFunc(func(_ context.Context, msg *consumer.Message) error {
		class, err := ParseClass(msg.Queue)
		if err != nil {
			logger.Info("Received message",
				"queue", msg.Queue,
				"delivery_tag", msg.DeliveryTag,
				"body", string(msg.Body))
			return nil
		}

		p, err := Decode(class, msg.Body)
		if err != nil {
			return err
		}
		logger.Info("Received message",
			"queue", msg.Queue,
			"class", class.String(),
			"delivery_tag", msg.DeliveryTag,
			"payload", p)
		return nil
	})
}
