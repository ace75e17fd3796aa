package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/goldboot/distribution/internal/dcontext"
)

// Step is a single program run against the image being provisioned.
type Step struct {
	// Provisioner names the provisioner type the step came from.
	Provisioner string
	Program     string
	Args        []string
	Env         map[string]string
}

// Engine runs provisioning steps against the root of an image under
// construction, typically over SSH or WinRM to a build VM.
type Engine interface {
	Exec(ctx context.Context, root string, step Step) error
}

// Provisioner changes an image under construction.
type Provisioner interface {
	Apply(ctx context.Context, root string) error
}

// ShellProvisioner runs POSIX shell scripts and inline commands.
type ShellProvisioner struct {
	Scripts []string
	Inline  []string
	Env     map[string]string
	engine  Engine
}

// Apply runs the inline commands, then the scripts, stopping at the first
// failure.
func (p *ShellProvisioner) Apply(ctx context.Context, root string) error {
	for _, line := range p.Inline {
		if err := p.engine.Exec(ctx, root, Step{Provisioner: "shell", Program: "/bin/sh", Args: []string{"-c", line}, Env: p.Env}); err != nil {
			return err
		}
	}
	for _, script := range p.Scripts {
		if err := p.engine.Exec(ctx, root, Step{Provisioner: "shell", Program: "/bin/sh", Args: []string{script}, Env: p.Env}); err != nil {
			return err
		}
	}
	return nil
}

// PowershellProvisioner runs PowerShell scripts on Windows images.
type PowershellProvisioner struct {
	Scripts []string
	Inline  []string
	engine  Engine
}

// Apply runs the inline commands, then the scripts.
func (p *PowershellProvisioner) Apply(ctx context.Context, root string) error {
	args := []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass"}
	for _, line := range p.Inline {
		step := Step{Provisioner: "powershell", Program: "powershell.exe", Args: append(args[:len(args):len(args)], "-Command", line)}
		if err := p.engine.Exec(ctx, root, step); err != nil {
			return err
		}
	}
	for _, script := range p.Scripts {
		step := Step{Provisioner: "powershell", Program: "powershell.exe", Args: append(args[:len(args):len(args)], "-File", script)}
		if err := p.engine.Exec(ctx, root, step); err != nil {
			return err
		}
	}
	return nil
}

// AnsibleProvisioner runs a playbook against the image.
type AnsibleProvisioner struct {
	Playbook       string
	User           string
	ExtraArguments []string
	engine         Engine
}

// Apply runs the playbook with root as the only inventory host.
func (p *AnsibleProvisioner) Apply(ctx context.Context, root string) error {
	args := []string{"-i", root + ",", p.Playbook}
	if p.User != "" {
		args = append(args, "-u", p.User)
	}
	args = append(args, p.ExtraArguments...)
	return p.engine.Exec(ctx, root, Step{
		Provisioner: "ansible",
		Program:     "ansible-playbook",
		Args:        args,
		Env:         map[string]string{"ANSIBLE_HOST_KEY_CHECKING": "False"},
	})
}

// ProvisionerConfig is the YAML form of a provisioner. Type selects which
// of the remaining fields apply.
type ProvisionerConfig struct {
	Type           string            `yaml:"type"`
	Scripts        []string          `yaml:"scripts,omitempty"`
	Inline         []string          `yaml:"inline,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Playbook       string            `yaml:"playbook,omitempty"`
	User           string            `yaml:"user,omitempty"`
	ExtraArguments []string          `yaml:"extra_arguments,omitempty"`
}

// Bind returns the provisioner described by c, executing through engine.
func (c ProvisionerConfig) Bind(engine Engine) (Provisioner, error) {
	switch c.Type {
	case "shell":
		if len(c.Scripts) == 0 && len(c.Inline) == 0 {
			return nil, errors.New("shell provisioner needs scripts or inline commands")
		}
		return &ShellProvisioner{Scripts: c.Scripts, Inline: c.Inline, Env: c.Env, engine: engine}, nil
	case "powershell":
		if len(c.Scripts) == 0 && len(c.Inline) == 0 {
			return nil, errors.New("powershell provisioner needs scripts or inline commands")
		}
		return &PowershellProvisioner{Scripts: c.Scripts, Inline: c.Inline, engine: engine}, nil
	case "ansible":
		if c.Playbook == "" {
			return nil, errors.New("ansible provisioner needs a playbook")
		}
		return &AnsibleProvisioner{Playbook: c.Playbook, User: c.User, ExtraArguments: c.ExtraArguments, engine: engine}, nil
	case "":
		return nil, errors.New("provisioner type missing")
	default:
		return nil, fmt.Errorf("unknown provisioner type %q", c.Type)
	}
}

// Profile is a build profile: the target of an image and the provisioners
// that customize it.
type Profile struct {
	Name         string              `yaml:"name"`
	OS           string              `yaml:"os"`
	Arch         string              `yaml:"arch,omitempty"`
	Provisioners []ProvisionerConfig `yaml:"provisioners,omitempty"`
}

// ParseProfile reads a YAML profile. Unknown keys are errors.
func ParseProfile(rd io.Reader) (*Profile, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	p := new(Profile)
	if err := yaml.UnmarshalStrict(in, p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if p.OS == "" {
		return nil, errors.New("profile does not name an os")
	}
	for i, c := range p.Provisioners {
		// bind against nothing to validate the shape early
		if _, err := c.Bind(nil); err != nil {
			return nil, fmt.Errorf("provisioner %d: %w", i, err)
		}
	}
	return p, nil
}

// LoadProfile reads the profile at path.
func LoadProfile(path string) (*Profile, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return ParseProfile(fp)
}

// Provision applies every provisioner of p in order.
func (p *Profile) Provision(ctx context.Context, engine Engine, root string) error {
	logger := dcontext.GetLogger(ctx)
	for i, c := range p.Provisioners {
		prov, err := c.Bind(engine)
		if err != nil {
			return fmt.Errorf("provisioner %d: %w", i, err)
		}
		logger.Infof("running %s provisioner %d of %d", c.Type, i+1, len(p.Provisioners))
		if err := prov.Apply(ctx, root); err != nil {
			return fmt.Errorf("%s provisioner %d: %w", c.Type, i, err)
		}
	}
	return nil
}
