// Package seed reads demo form documents from YAML.
package seed

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"eventforms/api/internal/forms"
)

//go:embed defaults.yaml
var defaultDocument []byte

type document struct {
	Forms []forms.Form `yaml:"forms"`
}

// Default returns the built-in demo forms stamped with now.
func Default(now time.Time) ([]forms.Form, error) {
	return Parse(defaultDocument, now)
}

func LoadFile(path string, now time.Time) ([]forms.Form, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data, now)
}

// Parse decodes a seed document. Unknown keys are rejected. Missing
// timestamps are set to now and every form is checked like a new draft.
func Parse(data []byte, now time.Time) ([]forms.Form, error) {
	var doc document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse seed document: %w", err)
	}
	if len(doc.Forms) == 0 {
		return nil, errors.New("seed document has no forms")
	}

	now = now.UTC()
	out := make([]forms.Form, 0, len(doc.Forms))
	for i, f := range doc.Forms {
		draft, err := forms.ValidateDraft(forms.Draft{Title: f.Title, Icon: f.Icon, Color: f.Color, Rating: f.Rating})
		if err != nil {
			return nil, fmt.Errorf("seed form %d: %w", i+1, err)
		}
		if f.SubmissionCount < 0 {
			return nil, fmt.Errorf("seed form %d: negative submission count", i+1)
		}
		f.Title, f.Icon, f.Color = draft.Title, draft.Icon, draft.Color
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if f.LastUpdated.IsZero() {
			f.LastUpdated = f.CreatedAt
		}
		out = append(out, f)
	}
	return out, nil
}
