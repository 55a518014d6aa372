package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

// Profile is a named SSH endpoint. Fields missing from a profile file take
// the values of ssh.DefaultConfig.
type Profile struct {
	// Name identifies the profile in the registry and on the command line
	Name string `yaml:"name"`

	ssh.Config `yaml:",inline"`
}

// nameRules keeps profile names usable as path and metric label values.
const nameRules = `required,max=64,excludesall=/\`

type profileFile struct {
	Profiles []yaml.Node `yaml:"profiles"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func profileValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks the profile name and its connection settings.
func (p *Profile) Validate() error {
	if err := profileValidator().Var(p.Name, nameRules); err != nil {
		return fmt.Errorf("invalid profile name %q", p.Name)
	}
	if err := p.Config.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return nil
}

// LoadProfiles reads and validates a YAML profile file.
func LoadProfiles(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	profiles, err := ParseProfiles(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profiles, nil
}

// ParseProfiles decodes and validates a YAML document of the form
//
//	profiles:
//	  - name: web
//	    host: 10.0.0.5
//	    user: deploy
//	    private_key: ~/.ssh/id_ed25519
func ParseProfiles(data []byte) ([]*Profile, error) {
	var file profileFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	seen := make(map[string]bool, len(file.Profiles))
	profiles := make([]*Profile, 0, len(file.Profiles))
	for i := range file.Profiles {
		p := &Profile{Config: *ssh.DefaultConfig("", "")}
		if err := file.Profiles[i].Decode(p); err != nil {
			return nil, fmt.Errorf("profile %d: %w", i+1, err)
		}
		p.PrivateKeyPath = expandHome(p.PrivateKeyPath)
		p.KnownHostsPath = expandHome(p.KnownHostsPath)

		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		seen[p.Name] = true
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
