package publish

import (
	"context"

	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/webhook"
)

// Webhook notifies an external service with a signed POST. It serves both
// the integration upload and the registry registration steps.
type Webhook struct {
	Step   status.Step
	URL    string
	Secret string
	Sender *webhook.Sender
}

func (w *Webhook) Key() status.Step { return w.Step }

func (w *Webhook) Enabled(job Job) bool {
	return w.URL != "" && job.Requested(w.Step)
}

func (w *Webhook) Run(ctx context.Context, job Job) (Outcome, error) {
	rcpt, err := w.Sender.Send(ctx, webhook.Delivery{
		URL:     w.URL,
		Secret:  w.Secret,
		Event:   w.Step.Key(),
		Payload: payloadFor(w.Step, job),
	})
	if err != nil {
		return Outcome{}, err
	}
	if rcpt.Location != "" {
		return Outcome{Code: status.CodeLink, Message: status.Message{Text: "registered", Link: rcpt.Location}}, nil
	}
	return Outcome{Code: status.CodeSuccess}, nil
}
