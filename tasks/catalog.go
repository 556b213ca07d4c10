package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownJob is returned for job names missing from the catalog
var ErrUnknownJob = errors.New("unknown job")

// JobDefinition describes a job type the runner knows how to execute
type JobDefinition struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Order       int    `json:"order"`
}

// Catalog is the set of jobs operators may trigger
type Catalog struct {
	jobs map[string]JobDefinition
}

// NewCatalog builds a catalog from defs. Names must be unique and non-empty.
func NewCatalog(defs ...JobDefinition) (*Catalog, error) {
	c := &Catalog{jobs: make(map[string]JobDefinition, len(defs))}
	for i, def := range defs {
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			return nil, fmt.Errorf("job definition %d has no name", i)
		}
		if _, dup := c.jobs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate job definition %q", def.Name)
		}
		if def.Order == 0 {
			def.Order = i + 1
		}
		c.jobs[def.Name] = def
	}
	return c, nil
}

// DefaultCatalog holds the four engines of the telemetry pipeline
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(
		JobDefinition{
			Name:        "parser",
			Title:       "Log Parser",
			Description: "Ingest and normalize raw security logs",
		},
		JobDefinition{
			Name:        "matching",
			Title:       "Vuln Matcher",
			Description: "Correlate logs with CVE database",
		},
		JobDefinition{
			Name:        "alerts",
			Title:       "Alert Engine",
			Description: "Dispatch notifications for critical findings",
		},
		JobDefinition{
			Name:        "reports",
			Title:       "Report Gen",
			Description: "Compile and export compliance reports",
		},
	)
	return c
}

// Get looks up a job by name
func (c *Catalog) Get(name string) (JobDefinition, error) {
	def, ok := c.jobs[name]
	if !ok {
		return JobDefinition{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return def, nil
}

// Has reports whether name is a known job
func (c *Catalog) Has(name string) bool {
	_, ok := c.jobs[name]
	return ok
}

// List returns all jobs in pipeline order
func (c *Catalog) List() []JobDefinition {
	out := make([]JobDefinition, 0, len(c.jobs))
	for _, def := range c.jobs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns job names in pipeline order
func (c *Catalog) Names() []string {
	defs := c.List()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}
