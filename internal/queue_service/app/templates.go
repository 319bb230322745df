package app

import (
	"fmt"
	"strings"
	"text/template"

	outboxdomain "github.com/aradsms/queue_services/internal/outbox_service/domain"
)

// MessageData is available to every notification template.
type MessageData struct {
	Name         string
	LocationName string
	ServiceName  string
}

var defaultTemplates = map[outboxdomain.MessageType]string{
	outboxdomain.MessageTypeConfirm: `Hi {{.Name}}, you're in line at {{.LocationName}}` +
		`{{if .ServiceName}} for {{.ServiceName}}{{end}}. We'll text you when it's almost your turn. Reply CANCEL to leave the line or STOP to opt out.`,
	outboxdomain.MessageTypeNext:      `{{.Name}}, you're next at {{.LocationName}}. Please make your way over.`,
	outboxdomain.MessageTypeServing:   `{{.Name}}, it's your turn at {{.LocationName}}. Please come to the front desk.`,
	outboxdomain.MessageTypeCancelAck: `You've been removed from the line at {{.LocationName}}. Scan the QR code to rejoin anytime.`,
}

// Templates renders the body of each automatic notification.
type Templates struct {
	byType map[outboxdomain.MessageType]*template.Template
}

func NewTemplates(overrides map[outboxdomain.MessageType]string) (*Templates, error) {
	t := &Templates{byType: make(map[outboxdomain.MessageType]*template.Template)}
	for mt, text := range defaultTemplates {
		if o, ok := overrides[mt]; ok && o != "" {
			text = o
		}
		tmpl, err := template.New(string(mt)).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", mt, err)
		}
		t.byType[mt] = tmpl
	}
	return t, nil
}

// MustDefaultTemplates panics if the built-in templates fail to parse.
func MustDefaultTemplates() *Templates {
	t, err := NewTemplates(nil)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Templates) Render(mt outboxdomain.MessageType, data MessageData) (string, error) {
	tmpl, ok := t.byType[mt]
	if !ok {
		return "", fmt.Errorf("no template for message type %s", mt)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", mt, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
