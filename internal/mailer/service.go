// Package mailer sends share invitation emails over SMTP.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	BaseURL  string
}

// Service sends email through a single SMTP relay. A zero-value config
// leaves the service unconfigured and every send returns an error, so
// callers should check IsConfigured first.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new mail service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if SMTP is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart email with a plain text fallback part.
func (s *Service) SendHTMLEmail(ctx context.Context, to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("mailer not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-inkwell"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(ctx, to, msg.Bytes())
}

// send runs the blocking SMTP exchange and honors context cancellation.
func (s *Service) send(ctx context.Context, to []string, msg []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InviteData holds data for the share invitation template
type InviteData struct {
	AppName    string
	Kind       string
	Name       string
	InvitedBy  string
	Permission string
	OpenURL    string
}

// SendShareInvite notifies a user that a document or vault was shared
// with them. kind is "document" or "vault".
func (s *Service) SendShareInvite(ctx context.Context, to, kind, name, invitedBy, permission string) error {
	data := InviteData{
		AppName:    "Inkwell",
		Kind:       kind,
		Name:       name,
		InvitedBy:  invitedBy,
		Permission: permission,
		OpenURL:    s.config.BaseURL,
	}

	subject := fmt.Sprintf("%s shared a %s with you on Inkwell", invitedBy, kind)
	html, err := renderTemplate(shareInviteTemplate, data)
	if err != nil {
		return fmt.Errorf("render share invite template: %w", err)
	}

	return s.SendHTMLEmail(ctx, []string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const shareInviteTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.InvitedBy}} shared a {{.Kind}} with you</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .grant { background: #f0f7ff; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.InvitedBy}} shared a {{.Kind}} with you</h2>

    <div class="grant">
        <strong>{{.Name}}</strong> &middot; {{.Permission}} access
    </div>

    <p>Open {{.AppName}} to start collaborating.</p>

    <p>
        <a href="{{.OpenURL}}" class="button">Open {{.AppName}}</a>
    </p>

    <div class="footer">
        <p>You received this email because {{.InvitedBy}} added you to a shared {{.Kind}}. If you weren't expecting it, you can safely ignore this email.</p>
    </div>
</body>
</html>`
