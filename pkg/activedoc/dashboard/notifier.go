package dashboard

import "log/slog"

// Notifier surfaces rule table errors to the user: it logs them and sends an
// unqueued error message to every connected client.
type Notifier struct {
	hub    *Hub
	logger *slog.Logger
}

// NewNotifier returns a notifier broadcasting through hub.
func NewNotifier(hub *Hub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{hub: hub, logger: logger}
}

// NotifyError implements activedoc.Notifier.
func (n *Notifier) NotifyError(err error) {
	n.logger.Error("rule table error", "error", err)
	msg, encErr := Encode(TopicError, ErrorMessage{Message: err.Error()})
	if encErr != nil {
		n.logger.Error("encode error message", "error", encErr)
		return
	}
	n.hub.Broadcast(msg)
}
