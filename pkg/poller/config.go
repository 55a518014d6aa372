package poller

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Sort orders.
const (
	SortNone  = "none"
	SortName  = "name"
	SortMtime = "mtime"
	SortSize  = "size"
)

// Actions applied to a remote file once it was fetched.
const (
	ActionNone   = "none"
	ActionDelete = "delete"
	ActionMove   = "move"
)

// Config describes one polling job.
type Config struct {
	// Name identifies the job in logs, metrics and the journal
	Name string `yaml:"name" validate:"required,max=64"`

	// Profile is the registry profile the job reads from
	Profile string `yaml:"profile,omitempty"`

	// Dir is the remote directory to scan
	Dir string `yaml:"dir" validate:"required"`

	// Mask is a glob matched against file names, e.g. "*.csv"
	Mask string `yaml:"mask,omitempty"`

	// Regex is matched against file names after Mask
	Regex string `yaml:"regex,omitempty"`

	// MinAge skips files modified more recently than this
	MinAge time.Duration `yaml:"min_age,omitempty" validate:"gte=0"`

	// Sort orders the files of one cycle: name, mtime, size or none
	Sort string `yaml:"sort,omitempty" validate:"omitempty,oneof=none name mtime size"`

	// Descending reverses Sort
	Descending bool `yaml:"descending,omitempty"`

	// MaxFiles caps the files taken per cycle; zero means no cap
	MaxFiles int `yaml:"max_files,omitempty" validate:"gte=0"`

	// Action is applied after a successful fetch: delete, move or none
	Action string `yaml:"action,omitempty" validate:"omitempty,oneof=none delete move"`

	// MoveTo is the remote directory files are moved into
	MoveTo string `yaml:"move_to,omitempty" validate:"required_if=Action move"`

	// LocalDir receives fetched files
	LocalDir string `yaml:"local_dir,omitempty"`

	// Interval is the pause between cycles in Run
	Interval time.Duration `yaml:"interval,omitempty" validate:"gte=0"`

	// ErrorDelay is the first pause after a failed cycle; it grows on
	// consecutive failures up to MaxErrorDelay
	ErrorDelay time.Duration `yaml:"error_delay,omitempty" validate:"gte=0"`

	// MaxErrorDelay caps ErrorDelay growth
	MaxErrorDelay time.Duration `yaml:"max_error_delay,omitempty" validate:"gte=0"`

	// Timeout bounds each remote call
	Timeout time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// setDefaults fills zero fields.
func (c *Config) setDefaults() {
	if c.Sort == "" {
		c.Sort = SortNone
	}
	if c.Action == "" {
		c.Action = ActionNone
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	if c.ErrorDelay == 0 {
		c.ErrorDelay = 30 * time.Second
	}
	if c.MaxErrorDelay == 0 {
		c.MaxErrorDelay = 10 * c.ErrorDelay
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
}

// Validate checks the job settings.
func (c *Config) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("job %s: invalid %s: failed %q check", c.Name, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("job %s: %w", c.Name, err)
	}
	if c.Mask != "" {
		if _, err := path.Match(c.Mask, ""); err != nil {
			return fmt.Errorf("job %s: invalid mask %q: %w", c.Name, c.Mask, err)
		}
	}
	if c.Regex != "" {
		if _, err := regexp.Compile(c.Regex); err != nil {
			return fmt.Errorf("job %s: invalid regex: %w", c.Name, err)
		}
	}
	return nil
}

type jobFile struct {
	Jobs []Config `yaml:"jobs"`
}

// LoadJobs reads and validates a YAML job file of the form
//
//	jobs:
//	  - name: inbox
//	    profile: partner
//	    dir: /outgoing
//	    mask: "*.csv"
//	    action: move
//	    move_to: /outgoing/done
//	    local_dir: /var/spool/inbox
func LoadJobs(p string) ([]Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}

	var file jobFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: failed to parse jobs: %w", p, err)
	}

	seen := make(map[string]bool, len(file.Jobs))
	for i := range file.Jobs {
		job := &file.Jobs[i]
		job.setDefaults()
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("%s: duplicate job %q", p, job.Name)
		}
		seen[job.Name] = true
	}
	return file.Jobs, nil
}
