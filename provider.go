package creditengine

import "context"

// Submitter is the interface that AI provider adapters must implement.
type Submitter interface {
	// Name returns the provider identifier (e.g. "fal").
	Name() string

	// Submit enqueues an asynchronous job and returns the provider's
	// request id. The outcome arrives later through a webhook.
	Submit(ctx context.Context, spec JobSpec) (string, error)
}

// JobSpec is the request sent to a provider adapter.
type JobSpec struct {
	// Endpoint is the provider model path, e.g. "fal-ai/flux-lora".
	Endpoint string

	// Input is the model-specific payload.
	Input map[string]any

	// WebhookURL receives the completion callback.
	WebhookURL string
}
