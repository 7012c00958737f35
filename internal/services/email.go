package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/pkg/logger"
)

// OutgoingEmail is a fully rendered email ready for a transport.
type OutgoingEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text"`
}

type emailTransport interface {
	deliver(ctx context.Context, email *OutgoingEmail) SendResult
}

// EmailSender renders alert messages as email and hands them to the configured transport.
type EmailSender struct {
	transport     emailTransport
	from          string
	subjectPrefix string
}

func NewEmailSender(cfg config.EmailConfig, client *http.Client) (*EmailSender, error) {
	var transport emailTransport
	switch cfg.Transport {
	case "api":
		if cfg.API.Endpoint == "" {
			return nil, fmt.Errorf("email api transport requires an endpoint")
		}
		transport = &apiTransport{endpoint: cfg.API.Endpoint, apiKey: cfg.API.APIKey, client: client}
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("email smtp transport requires a host")
		}
		port := cfg.SMTP.Port
		if port == 0 {
			port = 587
		}
		transport = &smtpTransport{cfg: cfg.SMTP, port: port}
	default:
		return nil, fmt.Errorf("unsupported email transport: %s", cfg.Transport)
	}

	from := cfg.From
	if from == "" {
		from = cfg.SMTP.Username
	}
	return &EmailSender{transport: transport, from: from, subjectPrefix: cfg.SubjectPrefix}, nil
}

func (s *EmailSender) Channel() string { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, target Target, msg *AlertMessage) SendResult {
	addr, err := mail.ParseAddress(target.Address)
	if err != nil {
		return permanentFailure(0, fmt.Errorf("malformed email address %q: %w", target.Address, err))
	}

	subject := msg.Title
	if s.subjectPrefix != "" {
		subject = s.subjectPrefix + " " + subject
	}
	// account names end up in the subject; keep them on one line
	subject = headerLineBreaks.Replace(subject)

	email := &OutgoingEmail{
		From:    s.from,
		To:      []string{addr.Address},
		Subject: subject,
		HTML:    buildEmailBody(msg),
		Text:    msg.PlainText(),
	}

	res := s.transport.deliver(ctx, email)
	if res.Outcome == OutcomeDelivered {
		logger.Debug().Str("to", addr.Address).Msg("[Email] delivered")
	}
	return res
}

func buildEmailBody(msg *AlertMessage) string {
	var sb strings.Builder

	sb.WriteString("<html><body style=\"font-family: Arial, sans-serif;\">")
	sb.WriteString(fmt.Sprintf("<h2>%s</h2>", html.EscapeString(msg.Title)))
	sb.WriteString(fmt.Sprintf("<p>%s</p>", html.EscapeString(msg.Summary)))

	if len(msg.Fields) > 0 {
		sb.WriteString("<table style=\"border-collapse: collapse; margin-bottom: 20px;\">")
		for _, f := range msg.Fields {
			sb.WriteString(fmt.Sprintf("<tr><td style=\"padding: 8px; border: 1px solid #ddd; font-weight: bold;\">%s</td><td style=\"padding: 8px; border: 1px solid #ddd;\">%s</td></tr>",
				html.EscapeString(f.Label), html.EscapeString(f.Value)))
		}
		sb.WriteString("</table>")
	}

	sb.WriteString("<hr><p style=\"color: #888; font-size: 12px;\">Sent by CostSentry budget alerts</p>")
	sb.WriteString("</body></html>")

	return sb.String()
}

// apiTransport posts to a transactional email HTTPS API.
type apiTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func (t *apiTransport) deliver(ctx context.Context, email *OutgoingEmail) SendResult {
	headers := map[string]string{}
	if t.apiKey != "" {
		headers["Authorization"] = "Bearer " + t.apiKey
	}
	return postJSONWithClient(ctx, t.client, t.endpoint, email, headers)
}

// smtpTransport speaks SMTP directly, with implicit TLS or opportunistic STARTTLS.
type smtpTransport struct {
	cfg  config.SMTPConfig
	port int
}

func (t *smtpTransport) deliver(ctx context.Context, email *OutgoingEmail) SendResult {
	message, err := buildMIMEMessage(email)
	if err != nil {
		return permanentFailure(0, err)
	}
	from, to, err := envelope(email)
	if err != nil {
		return permanentFailure(0, err)
	}
	if err := t.send(ctx, from, to, message); err != nil {
		return classifySMTPError(err)
	}
	return delivered(250)
}

func (t *smtpTransport) send(ctx context.Context, from string, to []string, message []byte) error {
	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: t.cfg.Host}
	if t.cfg.UseTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if !t.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}

	if t.cfg.Username != "" && t.cfg.Password != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(message); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// classifySMTPError maps SMTP reply codes: 4xx transient, 5xx permanent.
// Errors without a reply code come from the network and are transient.
func classifySMTPError(err error) SendResult {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code >= 500 {
			return permanentFailure(protoErr.Code, err)
		}
		return transientFailure(protoErr.Code, err)
	}
	return classifyTransportError(err)
}

func buildMIMEMessage(email *OutgoingEmail) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	parts := []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", email.Text},
		{"text/html; charset=UTF-8", email.HTML},
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	from, err := mail.ParseAddress(email.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", email.From, err)
	}
	to := make([]string, 0, len(email.To))
	for _, rcpt := range email.To {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient address %q: %w", rcpt, err)
		}
		to = append(to, addr.String())
	}
	if strings.ContainsAny(email.Subject, "\r\n") {
		return nil, errors.New("subject contains a line break")
	}

	var message bytes.Buffer
	headers := [][2]string{
		{"From", from.String()},
		{"To", strings.Join(to, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", email.Subject)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mw.Boundary()},
	}
	for _, h := range headers {
		message.WriteString(fmt.Sprintf("%s: %s\r\n", h[0], h[1]))
	}
	message.WriteString("\r\n")
	message.Write(body.Bytes())
	return message.Bytes(), nil
}

var headerLineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// envelope returns the bare SMTP envelope addresses of an email.
func envelope(email *OutgoingEmail) (string, []string, error) {
	from, err := mail.ParseAddress(email.From)
	if err != nil {
		return "", nil, fmt.Errorf("invalid sender address %q: %w", email.From, err)
	}
	to := make([]string, 0, len(email.To))
	for _, rcpt := range email.To {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return "", nil, fmt.Errorf("invalid recipient address %q: %w", rcpt, err)
		}
		to = append(to, addr.Address)
	}
	return from.Address, to, nil
}
