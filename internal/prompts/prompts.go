// Package prompts holds the prompt catalogue, keyed by name and language.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var catalogue []byte

// ErrUnknown is returned for a prompt name missing from the catalogue.
var ErrUnknown = errors.New("unknown prompt")

// FallbackLanguage is used when a prompt has no entry for the requested language.
const FallbackLanguage = "en"

// Provider formats prompts. It is safe for concurrent use.
type Provider struct {
	templates map[string]map[string]*template.Template
}

// Load parses the embedded catalogue.
func Load() (*Provider, error) {
	return Parse(catalogue)
}

// Parse builds a Provider from YAML of the form name -> language -> template.
func Parse(data []byte) (*Provider, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse prompt catalogue: %w", err)
	}
	p := &Provider{templates: make(map[string]map[string]*template.Template, len(raw))}
	for name, langs := range raw {
		p.templates[name] = make(map[string]*template.Template, len(langs))
		for lang, text := range langs {
			t, err := template.New(name + "." + lang).Option("missingkey=zero").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("parse prompt %s.%s: %w", name, lang, err)
			}
			p.templates[name][lang] = t
		}
	}
	return p, nil
}

// Format renders prompt name in lang with data.
func (p *Provider) Format(name, lang string, data any) (string, error) {
	langs, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	t, ok := langs[lang]
	if !ok {
		if t, ok = langs[FallbackLanguage]; !ok {
			return "", fmt.Errorf("%w: %s has no %s or %s entry", ErrUnknown, name, lang, FallbackLanguage)
		}
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Has reports whether name is in the catalogue.
func (p *Provider) Has(name string) bool {
	_, ok := p.templates[name]
	return ok
}

// NoneToken is the "no new information" sentinel for lang.
func (p *Provider) NoneToken(lang string) string {
	s, err := p.Format("none_token", lang, nil)
	if err != nil || s == "" {
		return "None"
	}
	return s
}

// Item is one numbered line in a prompt body.
type Item struct {
	Index int
	Text  string
	Time  string
}
