// Package workflowfile loads declarative workflow definitions from YAML
// files into a versioned in-memory catalogue. Definitions describe the step
// graph only; scheduling and parallel grouping happen at submission time.
package workflowfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agenthub/orchestrator/internal/contextstore"
	"github.com/agenthub/orchestrator/internal/orchestrator"
)

// Definition is the on-disk schema of one workflow file.
type Definition struct {
	Name         string           `yaml:"name"`
	Version      string           `yaml:"version"`
	Intent       string           `yaml:"intent"`
	Risk         string           `yaml:"risk"`
	Steps        []StepSpec       `yaml:"steps"`
	Dependencies []DependencySpec `yaml:"dependencies"`
}

// StepSpec is one step entry. Timeout uses Go duration syntax ("30s", "5m").
// Required is a pointer so that an omitted field defaults to true.
type StepSpec struct {
	ID         string                 `yaml:"id"`
	AgentType  string                 `yaml:"agent_type"`
	Action     string                 `yaml:"action"`
	Order      int                    `yaml:"order"`
	Timeout    string                 `yaml:"timeout"`
	Required   *bool                  `yaml:"required"`
	Parameters map[string]interface{} `yaml:"parameters"`
}

// DependencySpec mirrors the step dependency declaration.
type DependencySpec struct {
	StepID    string   `yaml:"step_id"`
	DependsOn []string `yaml:"depends_on"`
}

// Entry captures a loaded definition alongside bookkeeping data.
type Entry struct {
	Key         string
	Definition  *Definition
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// Summary exposes lightweight information about a registered definition.
type Summary struct {
	Name       string
	Version    string
	Key        string
	SourcePath string
}

// LoadError aggregates per-file failures from LoadDirectory.
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %d workflow file(s): %s", len(e.Failures), strings.Join(e.Failures, "; "))
}

// Registry maintains the in-memory catalogue of workflow definitions.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Entry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Entry)}
}

// LoadDirectory loads every YAML definition under the provided directory.
// Files that fail to parse or validate are reported together; valid files
// still load.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat workflow directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workflow path %s is not a directory", root)
	}

	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		if err := r.LoadFile(path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return fmt.Errorf("walk workflow directory %s: %w", root, err)
	}

	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

// LoadFile loads a single definition file into the registry.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	key := MakeKey(def.Name, def.Version)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[key]; exists {
		return fmt.Errorf("duplicate workflow key '%s'", key)
	}

	hash := sha256.Sum256(data)
	r.definitions[key] = Entry{
		Key:         key,
		Definition:  &def,
		SourcePath:  path,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now().UTC(),
	}
	return nil
}

// Get returns the entry that matches the supplied key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.definitions[key]
	return entry, ok
}

// Find locates an entry by name and optional version. When version is empty
// the highest version (by string sort) is returned.
func (r *Registry) Find(name, version string) (Entry, bool) {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return Entry{}, false
	}
	if entry, ok := r.Get(MakeKey(name, version)); ok {
		return entry, true
	}
	if version != "" {
		return Entry{}, false
	}
	summaries := r.List()
	for i := len(summaries) - 1; i >= 0; i-- {
		if summaries[i].Name == name {
			if entry, ok := r.Get(summaries[i].Key); ok {
				return entry, true
			}
		}
	}
	return Entry{}, false
}

// List summarises all loaded definitions, sorted by name then version.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.definitions))
	for _, entry := range r.definitions {
		summaries = append(summaries, Summary{
			Name:       entry.Definition.Name,
			Version:    entry.Definition.Version,
			Key:        entry.Key,
			SourcePath: entry.SourcePath,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Name != summaries[j].Name {
			return summaries[i].Name < summaries[j].Name
		}
		return summaries[i].Version < summaries[j].Version
	})
	return summaries
}

// Validate checks the structural constraints a definition must satisfy
// before it can be turned into a workflow.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow '%s' has no steps", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("workflow '%s': step %d has no id", d.Name, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("workflow '%s': duplicate step id '%s'", d.Name, s.ID)
		}
		seen[s.ID] = struct{}{}
		if strings.TrimSpace(s.AgentType) == "" {
			return fmt.Errorf("workflow '%s': step '%s' has no agent_type", d.Name, s.ID)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("workflow '%s': step '%s' timeout: %w", d.Name, s.ID, err)
			}
		}
	}
	for _, dep := range d.Dependencies {
		if _, ok := seen[dep.StepID]; !ok {
			return fmt.Errorf("workflow '%s': dependency references unknown step '%s'", d.Name, dep.StepID)
		}
		for _, on := range dep.DependsOn {
			if _, ok := seen[on]; !ok {
				return fmt.Errorf("workflow '%s': step '%s' depends on unknown step '%s'", d.Name, dep.StepID, on)
			}
		}
	}
	switch d.Risk {
	case "", string(contextstore.RiskLow), string(contextstore.RiskMedium), string(contextstore.RiskHigh), string(contextstore.RiskCritical):
	default:
		return fmt.Errorf("workflow '%s': unknown risk level '%s'", d.Name, d.Risk)
	}
	return nil
}

// Workflow materialises the definition into a submittable workflow. The
// returned workflow has no ID; callers assign one per submission.
func (d *Definition) Workflow() *orchestrator.AgentWorkflow {
	steps := make([]orchestrator.WorkflowStep, len(d.Steps))
	for i, s := range d.Steps {
		var timeout time.Duration
		if s.Timeout != "" {
			timeout, _ = time.ParseDuration(s.Timeout)
		}
		steps[i] = orchestrator.WorkflowStep{
			ID:         s.ID,
			AgentType:  s.AgentType,
			Action:     s.Action,
			Order:      s.Order,
			Timeout:    timeout,
			Required:   s.Required == nil || *s.Required,
			Parameters: s.Parameters,
		}
	}
	deps := make([]orchestrator.Dependency, len(d.Dependencies))
	for i, dep := range d.Dependencies {
		deps[i] = orchestrator.Dependency{StepID: dep.StepID, DependsOn: dep.DependsOn}
	}
	return &orchestrator.AgentWorkflow{
		Intent:       d.Intent,
		Risk:         contextstore.RiskLevel(d.Risk),
		Steps:        steps,
		Dependencies: deps,
	}
}

// MakeKey produces the canonical map key for a name/version pair.
func MakeKey(name, version string) string {
	n := strings.TrimSpace(name)
	v := strings.TrimSpace(version)
	if v == "" {
		return n
	}
	return fmt.Sprintf("%s@%s", n, v)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
