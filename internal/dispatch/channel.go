// Package dispatch delivers rendered artifacts to a schedule's
// distribution targets over email, filesystem, SFTP, object storage and
// webhook channels, with bursting and isolated per-channel fan-out.
package dispatch

import (
	"context"
	"encoding/json"

	"reportflow/internal/domain"
)

// Artifact is one rendered payload ready for delivery. IdempotencyKey is
// stable across retries of the same (execution, distribution, group) so
// channels can make resends safe.
type Artifact struct {
	Format         domain.Format
	Filename       string
	Data           []byte
	IdempotencyKey string
}

// ContentType maps the artifact's format to a MIME type.
func (a Artifact) ContentType() string {
	switch a.Format {
	case domain.FormatCSV:
		return "text/csv"
	case domain.FormatJSON:
		return "application/json"
	case domain.FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case domain.FormatPDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// Channel is one delivery mechanism. Send must be idempotent-safe under
// retry: the same artifact may arrive more than once.
type Channel interface {
	Kind() domain.DistributionType
	Send(ctx context.Context, art Artifact, rawConfig json.RawMessage, secrets map[string]string) error
}

// Typed per-channel configs. The raw JSON blob from the distribution row
// is validated into one of these at the ingestion boundary and the
// untyped form never travels further.

type EmailConfig struct {
	Recipients    []string `json:"recipients"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	From          string   `json:"from"`
	CredentialRef string   `json:"credential_ref"`
}

type FileSystemConfig struct {
	Directory string `json:"directory"`
	Overwrite bool   `json:"overwrite"`
}

type SFTPConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	RemoteDir     string `json:"remote_dir"`
	CredentialRef string `json:"credential_ref"`
}

type ObjectStorageConfig struct {
	Bucket        string `json:"bucket"`
	Prefix        string `json:"prefix"`
	Region        string `json:"region"`
	Endpoint      string `json:"endpoint"`
	CredentialRef string `json:"credential_ref"`
}

type WebhookConfig struct {
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers"`
	CredentialRef string            `json:"credential_ref"`
}

// ValidateConfig parses and validates the raw config for the given
// channel kind, failing fast with a ConfigurationError.
func ValidateConfig(kind domain.DistributionType, raw json.RawMessage) error {
	switch kind {
	case domain.DistEmail:
		var c EmailConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return err
		}
		if len(c.Recipients) == 0 {
			return domain.Configf("email distribution requires recipients")
		}
	case domain.DistFileSystem:
		var c FileSystemConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return err
		}
		if c.Directory == "" {
			return domain.Configf("filesystem distribution requires directory")
		}
	case domain.DistSFTP:
		var c SFTPConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return err
		}
		if c.Host == "" {
			return domain.Configf("sftp distribution requires host")
		}
	case domain.DistObjectStorage:
		var c ObjectStorageConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return err
		}
		if c.Bucket == "" {
			return domain.Configf("object storage distribution requires bucket")
		}
	case domain.DistWebhook:
		var c WebhookConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return err
		}
		if c.URL == "" {
			return domain.Configf("webhook distribution requires url")
		}
	default:
		return domain.Configf("unknown distribution type %q", kind)
	}
	return nil
}

// CredentialRefOf extracts the credential reference, if the channel kind
// carries one.
func CredentialRefOf(kind domain.DistributionType, raw json.RawMessage) string {
	var probe struct {
		CredentialRef string `json:"credential_ref"`
	}
	_ = json.Unmarshal(raw, &probe)
	switch kind {
	case domain.DistEmail, domain.DistSFTP, domain.DistObjectStorage, domain.DistWebhook:
		return probe.CredentialRef
	}
	return ""
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return domain.Configf("empty distribution config")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.Configf("malformed distribution config: %v", err)
	}
	return nil
}
