package routing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source yields the raw routing document.
type Source interface {
	Read() ([]byte, error)
	String() string
}

// FileSource reads a YAML or JSON document from disk.
type FileSource struct {
	Path string
}

func (s FileSource) Read() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading routing file: %w", err)
	}
	return data, nil
}

func (s FileSource) String() string { return s.Path }

// BytesSource serves an in-memory document.
type BytesSource struct {
	Name string
	Data []byte
}

func (s BytesSource) Read() ([]byte, error) { return s.Data, nil }

func (s BytesSource) String() string {
	if s.Name == "" {
		return "<memory>"
	}
	return s.Name
}

// Load reads, parses and validates a routing document.
func Load(src Source) (*Snapshot, error) {
	data, err := src.Read()
	if err != nil {
		return nil, err
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return snap, nil
}

// Parse decodes a document and validates it. JSON is accepted since it is
// valid YAML. Unknown fields are rejected.
func Parse(data []byte) (*Snapshot, error) {
	var doc Document

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Problems: []Problem{{Path: "", Message: "parsing routing document: " + err.Error()}}}
	}

	normalize(&doc)

	if problems := validate(&doc); len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}

	return newSnapshot(&doc), nil
}

func normalize(doc *Document) {
	for _, wh := range doc.Webhooks {
		if wh == nil {
			continue
		}
		for i, m := range wh.AllowedMethods {
			wh.AllowedMethods[i] = strings.ToUpper(strings.TrimSpace(m))
		}
		for _, rule := range wh.Forward {
			if rule != nil && strings.TrimSpace(rule.From) == "" {
				rule.From = Wildcard
			}
		}
	}
}
