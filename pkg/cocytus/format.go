package cocytus

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Formatter serializes a record.
type Formatter interface {
	Format(rec *Record) ([]byte, error)
}

// NewFormatter returns the formatter called name ("json" or "yaml").
func NewFormatter(name string) (Formatter, error) {
	switch name {
	case "", "json":
		return JSONFormatter{}, nil
	case "yaml":
		return YAMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", name)
	}
}

type JSONFormatter struct {
	Indent bool
}

func (f JSONFormatter) Format(rec *Record) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(rec, "", "  ")
	} else {
		data, err = json.Marshal(rec)
	}
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(data, '\n'), nil
}

type YAMLFormatter struct{}

func (YAMLFormatter) Format(rec *Record) ([]byte, error) {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return data, nil
}
