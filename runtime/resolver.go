// Package runtime locates the agent CLI executable and the script runner
// needed to invoke it. Resolution happens once per process lifetime; the
// result (success or failure) is memoized so repeated submissions do not
// re-probe the filesystem.
package runtime

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// EnvOverride names the environment variable that pins the agent CLI to
	// an explicit path or command. When set but unresolvable, resolution
	// fails outright instead of falling through, so a misconfigured
	// override is loud rather than silently ignored.
	EnvOverride = "LOOM_AGENT_PATH"

	// Binary is the well-known agent CLI command name searched on PATH.
	Binary = "claude"
)

// Version is stamped by the release build via -ldflags "-X". Development
// builds ("dev") keep the development fallback path active.
var Version = "dev"

// jsRunners are tried in order when the resolved path is a script.
var jsRunners = []string{"node", "bun"}

// ErrUnavailable indicates no usable agent runtime could be located.
var ErrUnavailable = errors.New("agent runtime unavailable")

// Descriptor describes a resolved agent runtime.
type Descriptor struct {
	// Path is the resolved executable or script path.
	Path string
	// Runner is the JS runtime used to invoke Path, empty for native binaries.
	Runner string
	// Argv is the full invocation prefix: [Runner, Path] or [Path].
	Argv []string
}

// ResolveFunc is the signature of a runtime resolution step.
type ResolveFunc func() (Descriptor, error)

// Resolver probes the environment for a usable agent runtime. The lookup
// seams are injectable for tests.
type Resolver struct {
	lookPath func(string) (string, error)
	stat     func(string) (fs.FileInfo, error)
	getenv   func(string) string
	homeDir  func() (string, error)
	packaged bool
}

// NewResolver returns a resolver backed by the real environment.
// packaged disables the development fallback path.
func NewResolver(packaged bool) *Resolver {
	return &Resolver{
		lookPath: exec.LookPath,
		stat:     os.Stat,
		getenv:   os.Getenv,
		homeDir:  os.UserHomeDir,
		packaged: packaged,
	}
}

// Resolve locates the agent runtime. Order: explicit override, PATH lookup,
// development fallback. An override that does not resolve fails immediately.
func (r *Resolver) Resolve() (Descriptor, error) {
	if override := r.getenv(EnvOverride); override != "" {
		if _, err := r.stat(override); err == nil {
			return r.describe(override)
		}
		if found, err := r.lookPath(override); err == nil {
			return r.describe(found)
		}
		return Descriptor{}, fmt.Errorf("%w: %s=%q is not an existing path or locatable command", ErrUnavailable, EnvOverride, override)
	}

	if found, err := r.lookPath(Binary); err == nil {
		return r.describe(found)
	}

	if !r.packaged {
		if home, err := r.homeDir(); err == nil {
			fallback := filepath.Join(home, ".loomboard", "dev", Binary)
			if _, err := r.stat(fallback); err == nil {
				return r.describe(fallback)
			}
		}
	}

	return Descriptor{}, fmt.Errorf("%w: %q not found in PATH", ErrUnavailable, Binary)
}

// describe classifies the invocation mode of a resolved path. Scripts need a
// JS runtime on top; a script without one is a failure even though a path
// was found.
func (r *Resolver) describe(path string) (Descriptor, error) {
	if !isScript(path) {
		return Descriptor{Path: path, Argv: []string{path}}, nil
	}

	for _, name := range jsRunners {
		if runner, err := r.lookPath(name); err == nil {
			return Descriptor{Path: path, Runner: runner, Argv: []string{runner, path}}, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q is a script and no JS runtime (%s) is installed", ErrUnavailable, path, strings.Join(jsRunners, ", "))
}

func isScript(path string) bool {
	switch filepath.Ext(path) {
	case ".js", ".mjs", ".cjs":
		return true
	default:
		return false
	}
}

// Memoize wraps a resolver so the probe runs at most once; both successes
// and failures are cached for the life of the process.
func Memoize(r *Resolver) ResolveFunc {
	var (
		once sync.Once
		desc Descriptor
		err  error
	)
	return func() (Descriptor, error) {
		once.Do(func() {
			desc, err = r.Resolve()
		})
		return desc, err
	}
}

// Resolve is the process-wide memoized resolution entry point.
var Resolve = Memoize(NewResolver(Version != "dev"))
