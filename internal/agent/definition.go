package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMaxIterations bounds the model/tool loop of one run.
const DefaultMaxIterations = 25

// Definition describes an agent: which model it talks to, how it is
// prompted and which tools it may call.
type Definition struct {
	Name          string   `yaml:"name"`
	Model         string   `yaml:"model"`
	SystemPrompt  string   `yaml:"system_prompt"`
	Tools         []string `yaml:"tools"`
	MaxIterations int      `yaml:"max_iterations"`
	Temperature   *float64 `yaml:"temperature"`
}

// DefaultDefinition is the multiply assistant.
func DefaultDefinition() Definition {
	return Definition{
		Name:          "assistant",
		Model:         "gpt-oss:120b-cloud",
		SystemPrompt:  "You must call the tool 'multiply' if you are requested.",
		Tools:         []string{"multiply"},
		MaxIterations: DefaultMaxIterations,
	}
}

// LoadDefinition reads a YAML agent definition. Fields missing from the file
// keep their DefaultDefinition values.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read agent definition: %w", err)
	}
	def := DefaultDefinition()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return Definition{}, fmt.Errorf("parse agent definition %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("agent definition %s: %w", path, err)
	}
	return def, nil
}

// Validate normalises d and reports missing required fields.
func (d *Definition) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	d.Model = strings.TrimSpace(d.Model)
	if d.Model == "" {
		return errors.New("model is required")
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = DefaultMaxIterations
	}
	return nil
}
