package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/synapse-ops/synapse/internal/models"
)

// JobOverride adjusts one registered job's scheduling metadata. Handlers
// are bound in code; the file only tunes what was registered. Durations
// are written in Go syntax ("5m", "1h30m").
type JobOverride struct {
	Name     string  `yaml:"name"`
	Owner    string  `yaml:"owner"`
	Cadence  *string `yaml:"cadence,omitempty"`
	Budget   *int    `yaml:"budget,omitempty"`
	Timeout  *string `yaml:"timeout,omitempty"`
	Priority *int    `yaml:"priority,omitempty"`
	Resource *string `yaml:"resource,omitempty"`
	Enabled  *bool   `yaml:"enabled,omitempty"`
}

// Apply copies the set fields onto the job.
func (o JobOverride) Apply(job *models.Job) error {
	if o.Cadence != nil {
		cadence, err := time.ParseDuration(*o.Cadence)
		if err != nil {
			return fmt.Errorf("job %s/%s: bad cadence: %w", o.Owner, o.Name, err)
		}
		job.Cadence = cadence
	}
	if o.Timeout != nil {
		timeout, err := time.ParseDuration(*o.Timeout)
		if err != nil {
			return fmt.Errorf("job %s/%s: bad timeout: %w", o.Owner, o.Name, err)
		}
		job.Timeout = timeout
	}
	if o.Budget != nil {
		job.Budget = *o.Budget
	}
	if o.Priority != nil {
		job.Priority = *o.Priority
	}
	if o.Resource != nil {
		job.Resource = *o.Resource
	}
	if o.Enabled != nil {
		job.Enabled = *o.Enabled
	}
	return nil
}

// JobsFile is the static job tuning document.
type JobsFile struct {
	Jobs []JobOverride `yaml:"jobs"`
}

// Lookup returns the override for (owner, name), if any.
func (f *JobsFile) Lookup(owner, name string) (JobOverride, bool) {
	for _, job := range f.Jobs {
		if job.Owner == owner && job.Name == name {
			return job, true
		}
	}
	return JobOverride{}, false
}

// LoadJobsFile parses the job overrides document. A missing path returns
// an empty file, not an error.
func LoadJobsFile(path string) (*JobsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &JobsFile{}, nil
		}
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var file JobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file %s: %w", path, err)
	}
	for i, job := range file.Jobs {
		if job.Name == "" || job.Owner == "" {
			return nil, fmt.Errorf("jobs[%d]: name and owner are required", i)
		}
	}
	return &file, nil
}
