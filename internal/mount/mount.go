// Package mount assembles the bind-mount list and environment passed to
// one agent invocation, and validates any extra mounts a group's own
// configuration requests against an allowlist that lives outside the
// project root — so an agent can never edit the policy governing its own
// mounts.
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nevindra/conduit/internal/runner"
)

// defaultBlockedPatterns matches well-known credential directories/files
// that an extra mount must never expose, regardless of configuration.
var defaultBlockedPatterns = []string{
	".ssh", ".aws", ".gnupg", ".docker", "id_rsa", "id_ed25519",
	".netrc", ".git-credentials", ".npmrc", "credentials.json",
}

// AllowedRoot is one root under which extra, group-requested mounts may
// resolve. Writable governs whether a request for read-write access can
// actually be honored; it is always forced read-only otherwise.
type AllowedRoot struct {
	Path     string
	Writable bool
}

// Config is the daemon-wide mount policy, independent of any single group.
type Config struct {
	ProjectRoot          string
	GlobalDir            string // optional read-only sibling shared by every group
	SourceDirs           []string
	IPCBaseDir           string
	SkillsDir            string // {project_root}/container/skills, mounted for the claude runtime
	AllowedExternalRoots []AllowedRoot
	BlockedPatterns      []string // additional config-supplied patterns
}

// ExtraMount is one mount a group's own configuration requests beyond the
// standard set.
type ExtraMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// GroupRequest describes the single group an agent is about to run for.
type GroupRequest struct {
	FolderName  string
	IsMain      bool
	Runtime     string
	ExtraMounts []ExtraMount
}

// Build assembles the full mount list for one agent invocation: the
// standard main/non-main layout, the runtime-specific overlay, the
// group's IPC directory, the runner's own source directories, and any
// validated extra mounts.
func (c Config) Build(req GroupRequest) ([]runner.MountSpec, error) {
	groupDir := filepath.Join(c.ProjectRoot, "groups", req.FolderName)
	var specs []runner.MountSpec

	if req.IsMain {
		specs = append(specs, runner.MountSpec{Source: c.ProjectRoot, Target: "/workspace/project", ReadOnly: true})
	}
	specs = append(specs, runner.MountSpec{Source: groupDir, Target: "/workspace/group", ReadOnly: false})
	if c.GlobalDir != "" {
		specs = append(specs, runner.MountSpec{Source: c.GlobalDir, Target: "/workspace/global", ReadOnly: true})
	}

	if req.Runtime == "claude" {
		credDir := filepath.Join(groupDir, ".claude-credentials")
		if err := ensureClaudeSettings(credDir); err != nil {
			return nil, fmt.Errorf("mount: claude credentials: %w", err)
		}
		specs = append(specs, runner.MountSpec{Source: credDir, Target: "/home/agent/.claude", ReadOnly: false})
		if c.SkillsDir != "" {
			specs = append(specs, runner.MountSpec{Source: c.SkillsDir, Target: "/workspace/skills", ReadOnly: true})
		}
	}

	if c.IPCBaseDir != "" {
		specs = append(specs, runner.MountSpec{
			Source: filepath.Join(c.IPCBaseDir, req.FolderName), Target: "/workspace/ipc", ReadOnly: false,
		})
	}

	for _, src := range c.SourceDirs {
		specs = append(specs, runner.MountSpec{Source: src, Target: "/workspace/src/" + filepath.Base(src), ReadOnly: true})
	}

	for _, em := range req.ExtraMounts {
		spec, err := c.validateExtra(req.IsMain, em)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// validateExtra resolves and authorizes one group-requested extra mount.
func (c Config) validateExtra(isMain bool, em ExtraMount) (runner.MountSpec, error) {
	if em.ContainerPath == "" || filepath.IsAbs(em.ContainerPath) || containsDotDot(em.ContainerPath) {
		return runner.MountSpec{}, fmt.Errorf("mount: rejected container path %q: must be relative with no '..' components", em.ContainerPath)
	}

	canonical, err := filepath.EvalSymlinks(em.HostPath)
	if err != nil {
		return runner.MountSpec{}, fmt.Errorf("mount: cannot resolve host path %q: %w", em.HostPath, err)
	}

	for _, pat := range c.blockedPatterns() {
		if pathComponentMatches(canonical, pat) {
			return runner.MountSpec{}, fmt.Errorf("mount: rejected %q: matches blocked pattern %q", canonical, pat)
		}
	}

	root, ok := c.findAllowedRoot(canonical)
	if !ok {
		return runner.MountSpec{}, fmt.Errorf("mount: rejected %q: not under any allowed external root", canonical)
	}

	readOnly := em.ReadOnly || !isMain || !root.Writable
	return runner.MountSpec{
		Source:   canonical,
		Target:   filepath.Join("/workspace/extra", em.ContainerPath),
		ReadOnly: readOnly,
	}, nil
}

func (c Config) blockedPatterns() []string {
	return append(append([]string{}, defaultBlockedPatterns...), c.BlockedPatterns...)
}

func (c Config) findAllowedRoot(candidate string) (AllowedRoot, bool) {
	for _, root := range c.AllowedExternalRoots {
		rel, err := filepath.Rel(root.Path, candidate)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return root, true
		}
	}
	return AllowedRoot{}, false
}

func containsDotDot(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// pathComponentMatches reports whether any path component of p matches
// pattern, either exactly or as a glob (path/filepath.Match semantics).
func pathComponentMatches(p, pattern string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == pattern {
			return true
		}
		if ok, err := filepath.Match(pattern, part); err == nil && ok {
			return true
		}
	}
	return false
}

const defaultClaudeSettings = `{"permissions": {"defaultMode": "acceptEdits"}}` + "\n"

// ensureClaudeSettings creates the per-group claude credentials directory
// and a default settings.json on first use, matching the teacher's own
// "create once, reuse thereafter" idiom for generated config files.
func ensureClaudeSettings(credDir string) error {
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		return err
	}
	settingsPath := filepath.Join(credDir, "settings.json")
	if _, err := os.Stat(settingsPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(settingsPath, []byte(defaultClaudeSettings), 0o600)
}
