package integrations

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// TemplateData is the rendering context for one delivery.
type TemplateData struct {
	Subject   string
	Body      string
	UserID    string
	AgentID   string
	RequestID string
	IsError   bool
}

// templateSpec is one kind's entry in the YAML catalog file.
type templateSpec struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type catalogFile struct {
	Templates map[string]templateSpec `yaml:"templates"`
}

type kindTemplates struct {
	subject *template.Template
	body    *template.Template
}

// TemplateCatalog renders per-kind message templates. Kinds without an
// entry pass subject and body through unchanged.
type TemplateCatalog struct {
	kinds map[v1.IntegrationType]kindTemplates
}

// LoadTemplateCatalog parses the YAML catalog at path. An empty path yields
// a passthrough catalog.
func LoadTemplateCatalog(path string) (*TemplateCatalog, error) {
	catalog := &TemplateCatalog{kinds: make(map[v1.IntegrationType]kindTemplates)}
	if path == "" {
		return catalog, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}
	return ParseTemplateCatalog(raw)
}

// ParseTemplateCatalog parses catalog YAML content.
func ParseTemplateCatalog(raw []byte) (*TemplateCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}

	catalog := &TemplateCatalog{kinds: make(map[v1.IntegrationType]kindTemplates, len(file.Templates))}
	for kind, spec := range file.Templates {
		var kt kindTemplates
		var err error
		if spec.Subject != "" {
			kt.subject, err = template.New(kind + ".subject").Parse(spec.Subject)
			if err != nil {
				return nil, fmt.Errorf("invalid %s subject template: %w", kind, err)
			}
		}
		if spec.Body != "" {
			kt.body, err = template.New(kind + ".body").Parse(spec.Body)
			if err != nil {
				return nil, fmt.Errorf("invalid %s body template: %w", kind, err)
			}
		}
		catalog.kinds[v1.IntegrationType(kind)] = kt
	}
	return catalog, nil
}

// Render produces the subject and body for one delivery.
func (c *TemplateCatalog) Render(kind v1.IntegrationType, data TemplateData) (string, string, error) {
	kt, ok := c.kinds[kind]
	if !ok {
		return data.Subject, data.Body, nil
	}

	subject := data.Subject
	if kt.subject != nil {
		rendered, err := execute(kt.subject, data)
		if err != nil {
			return "", "", fmt.Errorf("failed to render %s subject: %w", kind, err)
		}
		subject = rendered
	}

	body := data.Body
	if kt.body != nil {
		rendered, err := execute(kt.body, data)
		if err != nil {
			return "", "", fmt.Errorf("failed to render %s body: %w", kind, err)
		}
		body = rendered
	}
	return subject, body, nil
}

func execute(t *template.Template, data TemplateData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
