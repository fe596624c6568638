package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Phase is one named, ordered step declared in a project's .corvus.yml.
type Phase struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`

	// Workdir is a working-tree-relative directory the phase runs in,
	// e.g. "services/api" in a monorepo. empty means the working tree
	// root itself (the container's /workspace).
	Workdir string `yaml:"workdir,omitempty"`
}

// hostWorkdir resolves Workdir against workingTreeRoot for
// containerrt.Handle.TranslateWorkdir, which rejects anything outside it
// per the §4.1 path rule.
func (p Phase) hostWorkdir(workingTreeRoot string) string {
	if p.Workdir == "" {
		return ""
	}
	return filepath.Join(workingTreeRoot, p.Workdir)
}

// Profile is the parsed .corvus.yml build-profile file: the ordered phase
// list §4.5 step 4 execs in declared order, plus an optional image override
// and a docker-in-docker flag. This format is a SPEC_FULL.md addition — the
// distilled spec names an "optional build profile" attribute on Project but
// never specifies what's in the file.
type Profile struct {
	Image          string  `yaml:"image,omitempty"`
	DockerInDocker bool    `yaml:"docker_in_docker,omitempty"`
	Phases         []Phase `yaml:"phases"`
}

// LoadProfile reads and parses the build profile at
// <workingTreeRoot>/<relativePath>. a project with no BuildProfile never
// reaches this: the caller checks that first and fails fast with
// ValidationError.
func LoadProfile(workingTreeRoot, relativePath string) (Profile, error) {
	path := filepath.Join(workingTreeRoot, relativePath)
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("executor: read build profile %q: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("executor: parse build profile %q: %w", path, err)
	}
	if len(p.Phases) == 0 {
		return Profile{}, fmt.Errorf("executor: build profile %q declares no phases", path)
	}
	return p, nil
}
