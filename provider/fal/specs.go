package fal

import (
	"context"
	"fmt"
	"net/http"

	ce "github.com/ineyio/creditengine"
)

// Default model endpoints.
const (
	DefaultTrainingEndpoint  = "fal-ai/flux-lora-fast-training"
	DefaultImageEndpoint     = "fal-ai/flux-lora"
	DefaultReferenceEndpoint = "fal-ai/bytedance/seedream/v4.5/edit"
)

// TrainingSpec builds a LoRA training job over a zip of photos.
func TrainingSpec(endpoint, zipURL, triggerWord, webhookURL string) ce.JobSpec {
	return ce.JobSpec{
		Endpoint: endpoint,
		Input: map[string]any{
			"images_data_url": zipURL,
			"trigger_word":    triggerWord,
		},
		WebhookURL: webhookURL,
	}
}

// LoraImageSpec builds an image job that applies a trained LoRA.
func LoraImageSpec(endpoint, prompt, loraURL, webhookURL string) ce.JobSpec {
	return ce.JobSpec{
		Endpoint: endpoint,
		Input: map[string]any{
			"prompt": prompt,
			"loras":  []map[string]any{{"path": loraURL, "scale": 1}},
		},
		WebhookURL: webhookURL,
	}
}

// ReferenceImageSpec builds an image job conditioned on reference photos.
func ReferenceImageSpec(endpoint, prompt string, imageURLs []string, webhookURL string) ce.JobSpec {
	return ce.JobSpec{
		Endpoint: endpoint,
		Input: map[string]any{
			"prompt":     prompt,
			"image_urls": imageURLs,
		},
		WebhookURL: webhookURL,
	}
}

// CheckAsset verifies that an input asset is reachable before it is handed
// to the provider.
func CheckAsset(ctx context.Context, client *http.Client, assetURL string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, assetURL, nil)
	if err != nil {
		return fmt.Errorf("%w: asset url: %v", ce.ErrInvalidRequest, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: asset not reachable: %v", ce.ErrInvalidRequest, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: asset not reachable: status %d", ce.ErrInvalidRequest, resp.StatusCode)
	}
	return nil
}
