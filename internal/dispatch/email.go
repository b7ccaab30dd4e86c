package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/wneessen/go-mail"

	"reportflow/internal/domain"
)

// EmailChannel sends the artifact as an SMTP attachment. Connection
// details come from the vault: host, port, username, password.
type EmailChannel struct{}

func (EmailChannel) Kind() domain.DistributionType { return domain.DistEmail }

func (EmailChannel) Send(ctx context.Context, art Artifact, rawConfig json.RawMessage, secrets map[string]string) error {
	var cfg EmailConfig
	if err := strictUnmarshal(rawConfig, &cfg); err != nil {
		return err
	}
	if len(cfg.Recipients) == 0 {
		return domain.Configf("email: no recipients")
	}

	host := secrets["host"]
	if host == "" {
		return domain.Configf("email: smtp host missing from credentials")
	}
	port := 587
	if p, err := strconv.Atoi(secrets["port"]); err == nil && p > 0 {
		port = p
	}

	opts := []mail.Option{mail.WithPort(port), mail.WithTLSPortPolicy(mail.TLSOpportunistic)}
	if secrets["username"] != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(secrets["username"]),
			mail.WithPassword(secrets["password"]))
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return domain.Transientf("email: smtp client: %v", err)
	}

	msg := mail.NewMsg()
	from := cfg.From
	if from == "" {
		from = secrets["from"]
	}
	if err := msg.From(from); err != nil {
		return domain.Configf("email: invalid from address %q", from)
	}
	if err := msg.To(cfg.Recipients...); err != nil {
		return domain.Configf("email: invalid recipient: %v", err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = art.Filename
	}
	msg.Subject(subject)
	body := cfg.Body
	if body == "" {
		body = "Your scheduled report is attached."
	}
	msg.SetBodyString(mail.TypeTextPlain, body)
	if err := msg.AttachReader(art.Filename, bytes.NewReader(art.Data)); err != nil {
		return errors.Wrap(err, "email: attach artifact")
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return domain.Transientf("email: send: %v", err)
	}
	return nil
}
