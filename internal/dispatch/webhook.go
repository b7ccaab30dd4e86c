package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"reportflow/internal/domain"
)

// WebhookChannel POSTs the artifact to a URL. Every request carries an
// Idempotency-Key so receivers can discard duplicates from retries.
// Secrets may supply a bearer token.
type WebhookChannel struct{}

func (WebhookChannel) Kind() domain.DistributionType { return domain.DistWebhook }

func (WebhookChannel) Send(ctx context.Context, art Artifact, rawConfig json.RawMessage, secrets map[string]string) error {
	var cfg WebhookConfig
	if err := strictUnmarshal(rawConfig, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return domain.Configf("webhook: no url")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", cfg.URL, bytes.NewReader(art.Data))
	if err != nil {
		return domain.Configf("webhook: bad url %q: %v", cfg.URL, err)
	}
	req.Header.Set("Content-Type", art.ContentType())
	req.Header.Set("Content-Disposition", `attachment; filename="`+art.Filename+`"`)
	req.Header.Set("Idempotency-Key", art.IdempotencyKey)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if token := secrets["token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.Transientf("webhook: post %s: %v", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Transientf("webhook: %s returned %d: %s", cfg.URL, resp.StatusCode, string(body))
	}
	return nil
}
