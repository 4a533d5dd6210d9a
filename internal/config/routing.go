package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/resonancehq/control-plane/pkg/models"
)

// Routing is the static task→backend table plus the ordered roles a
// pipeline is decomposed into.
type Routing struct {
	Default string                     `yaml:"default"`
	Routes  map[models.TaskKind]string `yaml:"routes"`
	Roles   []Role                     `yaml:"roles"`
}

// Role is one pipeline step template.
type Role struct {
	Name     string          `yaml:"name"`
	TaskKind models.TaskKind `yaml:"task_kind"`
	Prompt   string          `yaml:"prompt"`
}

// DefaultRouting is used when no ROUTING_FILE is configured.
func DefaultRouting() Routing {
	return Routing{
		Default: "openai",
		Routes: map[models.TaskKind]string{
			models.TaskChat:          "openai",
			models.TaskPlan:          "anthropic",
			models.TaskDocument:      "anthropic",
			models.TaskExtraction:    "gemini",
			models.TaskSummarization: "gemini",
		},
		Roles: []Role{
			{
				Name:     "research",
				TaskKind: models.TaskPlan,
				Prompt:   "You are the research lead. Break the request into the key questions and gather the facts needed to answer them.",
			},
			{
				Name:     "write",
				TaskKind: models.TaskDocument,
				Prompt:   "You are the writer. Using the research notes, produce the deliverable the user asked for.",
			},
			{
				Name:     "review",
				TaskKind: models.TaskSummarization,
				Prompt:   "You are the reviewer. Check the draft for accuracy and clarity and return the final version.",
			},
		},
	}
}

// LoadRouting reads a routing table from a YAML file.
func LoadRouting(path string) (Routing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Routing{}, fmt.Errorf("read routing file: %w", err)
	}
	var r Routing
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Routing{}, fmt.Errorf("parse routing file %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return Routing{}, fmt.Errorf("routing file %s: %w", path, err)
	}
	return r, nil
}

// Validate checks that the table only mentions known task kinds and has
// at least one role.
func (r Routing) Validate() error {
	if r.Default == "" {
		return fmt.Errorf("default backend is required")
	}
	for kind := range r.Routes {
		if !kind.Valid() {
			return fmt.Errorf("unknown task kind %q", kind)
		}
	}
	if len(r.Roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}
	for _, role := range r.Roles {
		if role.Name == "" {
			return fmt.Errorf("role without name")
		}
		if !role.TaskKind.Valid() {
			return fmt.Errorf("role %s: unknown task kind %q", role.Name, role.TaskKind)
		}
	}
	return nil
}
