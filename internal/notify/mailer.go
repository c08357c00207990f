package notify

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/hoisie/mustache"
	"github.com/job-pipeline/internal/logging"
)

//go:embed templates/*.mustache
var embeddedTemplates embed.FS

// Address is an email address with an optional display name
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Message is a rendered email ready to hand to a transport
type Message struct {
	From       Address
	To         Address
	Subject    string
	Text       string
	HTML       string
	Categories []string
}

// MailTransport sends rendered messages
type MailTransport interface {
	Send(ctx context.Context, msg Message) error
}

type emailTemplate struct {
	subject *mustache.Template
	text    *mustache.Template
	html    *mustache.Template
}

// TemplateMailer renders mustache templates and passes the result to a transport.
// Template files are named <name>.subject.mustache, <name>.txt.mustache and
// <name>.html.mustache; subject and at least one body are required.
type TemplateMailer struct {
	transport MailTransport
	from      Address
	logger    *logging.Logger

	mu        sync.RWMutex
	templates map[string]*emailTemplate
}

// NewTemplateMailer loads the built-in templates. When dir is non-empty its templates are
// loaded on top and replace built-ins with the same name.
func NewTemplateMailer(transport MailTransport, from Address, dir string, logger *logging.Logger) (*TemplateMailer, error) {
	if transport == nil {
		return nil, fmt.Errorf("mail transport required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	m := &TemplateMailer{
		transport: transport,
		from:      from,
		logger:    logger.WithField("component", "mailer"),
		templates: make(map[string]*emailTemplate),
	}

	sub, err := fs.Sub(embeddedTemplates, "templates")
	if err != nil {
		return nil, err
	}
	if err := m.LoadTemplates(sub); err != nil {
		return nil, fmt.Errorf("failed to load built-in templates: %w", err)
	}
	if dir != "" {
		if err := m.LoadTemplates(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("failed to load templates from %s: %w", dir, err)
		}
	}
	return m, nil
}

// LoadTemplates parses every *.mustache file at the root of fsys
func (m *TemplateMailer) LoadTemplates(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}

	loaded := make(map[string]*emailTemplate)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mustache") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".mustache")
		dot := strings.LastIndex(base, ".")
		if dot <= 0 {
			continue
		}
		name, part := base[:dot], base[dot+1:]

		raw, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return err
		}
		tmpl, err := mustache.ParseString(string(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}

		t := loaded[name]
		if t == nil {
			t = &emailTemplate{}
			loaded[name] = t
		}
		switch part {
		case "subject":
			t.subject = tmpl
		case "txt":
			t.text = tmpl
		case "html":
			t.html = tmpl
		}
	}

	for name, t := range loaded {
		if t.subject == nil || (t.text == nil && t.html == nil) {
			return fmt.Errorf("template %q needs a subject and a body", name)
		}
	}

	m.mu.Lock()
	for name, t := range loaded {
		m.templates[name] = t
	}
	m.mu.Unlock()
	return nil
}

// Render produces the message for templateName without sending it
func (m *TemplateMailer) Render(recipient, templateName string, data map[string]interface{}) (Message, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return Message{}, ErrNoRecipient
	}

	m.mu.RLock()
	t, ok := m.templates[templateName]
	m.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateName)
	}

	msg := Message{
		From:       m.from,
		To:         Address{Email: recipient},
		Subject:    strings.TrimSpace(t.subject.Render(data)),
		Categories: []string{templateName},
	}
	if name, ok := data["recipientName"].(string); ok {
		msg.To.Name = name
	}
	if t.text != nil {
		msg.Text = t.text.Render(data)
	}
	if t.html != nil {
		msg.HTML = t.html.Render(data)
	}
	return msg, nil
}

// SendTemplateEmail implements Mailer
func (m *TemplateMailer) SendTemplateEmail(ctx context.Context, recipient, templateName string, data map[string]interface{}) error {
	msg, err := m.Render(recipient, templateName, data)
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, msg)
}

// LogTransport logs messages instead of sending them
type LogTransport struct {
	logger *logging.Logger
}

// NewLogTransport creates a log-only transport
func NewLogTransport(logger *logging.Logger) *LogTransport {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogTransport{logger: logger.WithField("component", "log_transport")}
}

// Send implements MailTransport
func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.logger.WithFields(map[string]interface{}{
		"to":      msg.To.Email,
		"subject": msg.Subject,
	}).Info("Email not sent, no mail provider configured")
	return nil
}
