// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-crewdesk"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

// TaskEmailData holds data for task notification templates
type TaskEmailData struct {
	AppName     string
	UserName    string
	TaskTitle   string
	ProjectName string
	ActorName   string
	OldStatus   string
	NewStatus   string
	Comment     string
	TaskURL     string
	DueDate     string
}

// SendVerificationEmail sends an email verification email
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	data := VerificationData{
		AppName:         "Crewdesk",
		UserName:        userName,
		VerificationURL: verificationURL,
	}

	subject := "Verify your Crewdesk account"
	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendPasswordResetEmail sends a password reset email
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{
		AppName:  "Crewdesk",
		UserName: userName,
		ResetURL: resetURL,
	}

	subject := "Reset your Crewdesk password"
	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendTaskAssignedEmail notifies a user they were assigned to a task
func (s *Service) SendTaskAssignedEmail(to string, data TaskEmailData) error {
	data.AppName = "Crewdesk"
	subject := fmt.Sprintf("You were assigned to \"%s\"", data.TaskTitle)
	html, err := renderTemplate(taskAssignedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render task assigned template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendTaskStatusEmail notifies assignees that a task changed status
func (s *Service) SendTaskStatusEmail(to []string, data TaskEmailData) error {
	data.AppName = "Crewdesk"
	subject := fmt.Sprintf("\"%s\" moved to %s", data.TaskTitle, data.NewStatus)
	html, err := renderTemplate(taskStatusEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render task status template: %w", err)
	}
	return s.SendHTMLEmail(to, subject, html)
}

// SendTaskCommentEmail notifies assignees about a new comment
func (s *Service) SendTaskCommentEmail(to []string, data TaskEmailData) error {
	data.AppName = "Crewdesk"
	subject := fmt.Sprintf("New comment on \"%s\"", data.TaskTitle)
	html, err := renderTemplate(taskCommentEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render task comment template: %w", err)
	}
	return s.SendHTMLEmail(to, subject, html)
}

// SendTaskReminderEmail notifies assignees that a task is due soon
func (s *Service) SendTaskReminderEmail(to []string, data TaskEmailData) error {
	data.AppName = "Crewdesk"
	subject := fmt.Sprintf("Reminder: \"%s\" is due %s", data.TaskTitle, data.DueDate)
	html, err := renderTemplate(taskReminderEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render task reminder template: %w", err)
	}
	return s.SendHTMLEmail(to, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const emailStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
        .callout { background: #f5f7fa; padding: 12px; border-radius: 4px; margin: 20px 0; }`

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>Thank you for signing up. Please verify your email address to activate your account.</p>

    <p><a href="{{.VerificationURL}}" class="button">Verify Email Address</a></p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>

    <p>This verification link will expire in 24 hours.</p>

    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>

    <h2>Password Reset Request</h2>

    <p>Hi {{.UserName}},</p>

    <p>We received a request to reset your password. Click the button below to create a new password:</p>

    <p><a href="{{.ResetURL}}" class="button">Reset Password</a></p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>

    <div class="callout"><strong>Important:</strong> This reset link will expire in 1 hour.</div>

    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
</body>
</html>`

const taskAssignedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Task assigned</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>

    <h2>Hi {{.UserName}},</h2>

    <p>{{.ActorName}} assigned you to a task in <strong>{{.ProjectName}}</strong>:</p>

    <div class="callout"><strong>{{.TaskTitle}}</strong></div>

    {{if .TaskURL}}<p><a href="{{.TaskURL}}" class="button">Open Task</a></p>{{end}}

    <div class="footer">
        <p>You are receiving this because you are assigned to the task.</p>
    </div>
</body>
</html>`

const taskStatusEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Task status changed</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>

    <h2>Status update</h2>

    <p>{{.ActorName}} moved <strong>{{.TaskTitle}}</strong> in {{.ProjectName}}:</p>

    <div class="callout">{{.OldStatus}} &rarr; <strong>{{.NewStatus}}</strong></div>

    {{if .TaskURL}}<p><a href="{{.TaskURL}}" class="button">Open Task</a></p>{{end}}

    <div class="footer">
        <p>You are receiving this because you are assigned to the task.</p>
    </div>
</body>
</html>`

const taskCommentEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New comment</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>

    <h2>New comment on {{.TaskTitle}}</h2>

    <p>{{.ActorName}} commented in {{.ProjectName}}:</p>

    <div class="callout">{{.Comment}}</div>

    {{if .TaskURL}}<p><a href="{{.TaskURL}}" class="button">Open Task</a></p>{{end}}

    <div class="footer">
        <p>You are receiving this because you are assigned to the task.</p>
    </div>
</body>
</html>`

const taskReminderEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Task due soon</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>

    <h2>Due date reminder</h2>

    <p>Hi {{.UserName}},</p>

    <p><strong>{{.TaskTitle}}</strong> in {{.ProjectName}} is due {{.DueDate}}.</p>

    {{if .TaskURL}}<p><a href="{{.TaskURL}}" class="button">Open Task</a></p>{{end}}

    <div class="footer">
        <p>You are receiving this because you are assigned to the task.</p>
    </div>
</body>
</html>`
