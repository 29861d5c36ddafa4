package notify

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"nald_import/platform/config"
	"nald_import/platform/logger"

	gomail "github.com/wneessen/go-mail"
)

const alertSubjectPrefix = "[nald-import]"

// SMTPNotifier emails failures to the configured alert recipients. Info
// notifications are not mailed.
type SMTPNotifier struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	recipients []string
	log        *logger.Logger
}

// NewSMTPNotifier returns nil when alert email is not configured.
func NewSMTPNotifier(cfg config.SMTPConfig, log *logger.Logger) *SMTPNotifier {
	if !cfg.IsAlertEmailEnabled() {
		return nil
	}
	return &SMTPNotifier{
		host:       cfg.GetSMTPHost(),
		port:       cfg.GetSMTPPort(),
		username:   cfg.GetSMTPUsername(),
		password:   cfg.GetSMTPPassword(),
		from:       cfg.GetAlertFromAddress(),
		recipients: cfg.GetAlertRecipients(),
		log:        log,
	}
}

func (s *SMTPNotifier) Info(context.Context, string, ...any) {}

func (s *SMTPNotifier) Error(ctx context.Context, message string, err error, args ...any) {
	subject := fmt.Sprintf("%s %s", alertSubjectPrefix, message)
	if sendErr := s.send(ctx, subject, alertBody(message, err, args)); sendErr != nil {
		s.log.Warn("failed to send alert email", "subject", subject, "error", sendErr)
	}
}

func (s *SMTPNotifier) send(ctx context.Context, subject, body string) error {
	if len(s.recipients) == 0 {
		return ErrNoRecipients
	}

	msg := gomail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(s.recipients...); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	opts := []gomail.Option{
		gomail.WithPort(s.port),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15 * time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	}
	if s.username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.username),
			gomail.WithPassword(s.password),
		)
	}

	client, err := gomail.NewClient(s.host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := client.DialAndSendWithContext(sendCtx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// alertBody renders the message, the error and the key/value pairs as plain text.
func alertBody(message string, err error, args []any) string {
	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n\n")
	if err != nil {
		fmt.Fprintf(&b, "error: %s\n", err)
	}
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, "%v: %v\n", args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		fmt.Fprintf(&b, "extra: %v\n", args[len(args)-1])
	}
	return b.String()
}
