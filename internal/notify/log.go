package notify

import (
	"context"

	"github.com/bryan-buckman/showtracker/internal/logx"
)

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	log logx.Logger
}

func NewLogNotifier(log logx.Logger) *LogNotifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogNotifier{log: log.With(logx.String("comp", "notify.log"))}
}

func (n *LogNotifier) Send(ctx context.Context, contact string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Channel: "log", Contact: contact, Err: err}
	}
	n.log.Info("notification", logx.String("to", contact), logx.String("subject", msg.Subject), logx.String("text", msg.Text))
	return nil
}
