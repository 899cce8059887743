// internal/notify/mail.go
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/observability"
)

// ErrDeliveryFailed wraps any failure to hand the alert to the mail server.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Sender delivers one availability alert.
type Sender interface {
	Send(ctx context.Context, slotCount int, images [][]byte) error
}

const (
	implicitTLSPort = 465
	pngType         = mail.ContentType("image/png")
)

var bodyTemplate = template.Must(template.New("alert").Parse(`<html>
<head>
<style>
body { font-family: Arial, sans-serif; }
.header { background: #FF6B9D; color: white; padding: 20px; text-align: center; }
.content { padding: 20px; }
.action { background: #fff3cd; padding: 15px; border-radius: 5px; margin: 20px 0; }
.button { background: #FF6B9D; color: white; padding: 12px 20px; text-decoration: none; border-radius: 5px; display: inline-block; }
</style>
</head>
<body>
<div class="header"><h1>PICKLEBALL SLOTS AVAILABLE!</h1></div>
<div class="content">
<p><strong>{{.Count}} slot(s)</strong> found for <strong>Wed/Fri 7-9 PM</strong>.</p>
<div class="action">
<p>Log in and complete your booking:</p>
<a href="{{.BookingURL}}" class="button">BOOK NOW</a>
</div>
<p>Slots disappear fast.</p>
<p><em>Sent by slotwatch at {{.SentAt}}</em></p>
</div>
</body>
</html>
`))

// SMTPSender sends HTML alerts with optional PNG screenshots over authenticated SMTP.
// Port 465 uses implicit TLS; any other port upgrades with STARTTLS when offered.
type SMTPSender struct {
	cfg        config.NotifyConfig
	recipient  string
	bookingURL string
	logger     *zap.Logger

	now func() time.Time
	// dial replaces the network dialer when set.
	dial mail.DialContextFunc
}

// NewSMTPSender builds a sender from the notify settings.
func NewSMTPSender(cfg *config.Config, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:        cfg.Notify,
		recipient:  cfg.Credentials.NotifyAddress,
		bookingURL: cfg.Target.BookingURL,
		logger:     logger.Named("notifier"),
		now:        time.Now,
	}
}

// Send delivers the alert. Any failure is wrapped in ErrDeliveryFailed.
func (s *SMTPSender) Send(ctx context.Context, slotCount int, images [][]byte) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if !s.cfg.AttachShots {
		images = nil
	}

	msg, err := s.buildMessage(slotCount, images)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	client, err := s.newClient()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	s.logger.Info("Sending notification.",
		observability.Email("to", s.recipient), zap.Int("slots", slotCount), zap.Int("attachments", len(images)))
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		s.logger.Error("Failed to send notification.", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	s.logger.Info("Notification sent.", observability.Email("to", s.recipient))
	return nil
}

func (s *SMTPSender) newClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Sender),
		mail.WithPassword(s.cfg.Password),
	}
	if s.cfg.SMTPPort == implicitTLSPort {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.cfg.Timeout))
	}
	if s.dial != nil {
		opts = append(opts, mail.WithDialContextFunc(s.dial))
	}
	client, err := mail.NewClient(s.cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

func (s *SMTPSender) subject(slotCount int) string {
	return fmt.Sprintf(s.cfg.Subject, slotCount)
}

// buildMessage renders the HTML body and attaches one PNG per image.
func (s *SMTPSender) buildMessage(slotCount int, images [][]byte) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.Sender); err != nil {
		return nil, fmt.Errorf("sender address: %w", err)
	}
	if err := msg.To(s.recipient); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	msg.Subject(s.subject(slotCount))
	msg.SetDateWithValue(s.now())
	msg.SetMessageIDWithValue(uuid.NewString() + "@slotwatch")

	err := msg.SetBodyHTMLTemplate(bodyTemplate, struct {
		Count      int
		BookingURL string
		SentAt     string
	}{slotCount, s.bookingURL, s.now().Format(time.RFC1123)})
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	for i, img := range images {
		name := fmt.Sprintf("slots_%d.png", i+1)
		if err := msg.AttachReader(name, bytes.NewReader(img), mail.WithFileContentType(pngType)); err != nil {
			return nil, fmt.Errorf("attach %s: %w", name, err)
		}
	}
	return msg, nil
}
