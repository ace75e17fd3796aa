package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEngine struct {
	steps []Step
	roots []string
	fail  string
}

func (e *recordingEngine) Exec(ctx context.Context, root string, step Step) error {
	e.steps = append(e.steps, step)
	e.roots = append(e.roots, root)
	if e.fail != "" && step.Provisioner == e.fail {
		return errors.New("exit status 1")
	}
	return nil
}

const testProfile = `
name: goldboot/archlinux
os: ArchLinux
arch: amd64
provisioners:
  - type: shell
    inline:
      - pacman -Syu --noconfirm
    scripts:
      - setup.sh
    env:
      LANG: C
  - type: ansible
    playbook: site.yml
    user: root
    extra_arguments: ["-e", "hostname=golden"]
  - type: powershell
    scripts: [debloat.ps1]
`

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile(strings.NewReader(testProfile))
	require.NoError(t, err)
	assert.Equal(t, "goldboot/archlinux", p.Name)
	assert.Equal(t, "ArchLinux", p.OS)
	require.Len(t, p.Provisioners, 3)
	assert.Equal(t, "ansible", p.Provisioners[1].Type)
	assert.Equal(t, []string{"-e", "hostname=golden"}, p.Provisioners[1].ExtraArguments)
}

func TestParseProfileErrors(t *testing.T) {
	for name, in := range map[string]string{
		"unknown key":      "os: ArchLinux\nprovisionrs: []\n",
		"no os":            "name: goldboot/x\n",
		"unknown type":     "os: ArchLinux\nprovisioners:\n  - type: chef\n",
		"missing type":     "os: ArchLinux\nprovisioners:\n  - scripts: [a.sh]\n",
		"empty shell":      "os: ArchLinux\nprovisioners:\n  - type: shell\n",
		"ansible playbook": "os: ArchLinux\nprovisioners:\n  - type: ansible\n",
		"not yaml":         "os: [\n",
	} {
		in := in
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfile(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yml")
	require.NoError(t, os.WriteFile(path, []byte(testProfile), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Len(t, p.Provisioners, 3)

	_, err = LoadProfile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProvision(t *testing.T) {
	p, err := ParseProfile(strings.NewReader(testProfile))
	require.NoError(t, err)

	engine := &recordingEngine{}
	require.NoError(t, p.Provision(context.Background(), engine, "/mnt/root"))
	require.Len(t, engine.steps, 4)

	assert.Equal(t, Step{
		Provisioner: "shell",
		Program:     "/bin/sh",
		Args:        []string{"-c", "pacman -Syu --noconfirm"},
		Env:         map[string]string{"LANG": "C"},
	}, engine.steps[0])
	assert.Equal(t, []string{"setup.sh"}, engine.steps[1].Args)
	assert.Equal(t, "ansible-playbook", engine.steps[2].Program)
	assert.Equal(t, []string{"-i", "/mnt/root,", "site.yml", "-u", "root", "-e", "hostname=golden"}, engine.steps[2].Args)
	assert.Equal(t, "powershell.exe", engine.steps[3].Program)
	assert.Equal(t, []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", "debloat.ps1"}, engine.steps[3].Args)

	for _, root := range engine.roots {
		assert.Equal(t, "/mnt/root", root)
	}
}

func TestProvisionStopsOnFailure(t *testing.T) {
	p, err := ParseProfile(strings.NewReader(testProfile))
	require.NoError(t, err)

	engine := &recordingEngine{fail: "ansible"}
	err = p.Provision(context.Background(), engine, "/mnt/root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ansible provisioner 1")
	assert.Len(t, engine.steps, 3, "the powershell provisioner never runs")
}
