package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"Conductor/internal/layout"
)

// LaunchSpec is everything a Platform needs to start one runner process.
type LaunchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	// LogPath receives both stdout and stderr of the child.
	LogPath  string
	LogFlags int
	LogPerm  os.FileMode

	CloseStdin      bool
	NewProcessGroup bool

	// ResetSignals are restored to their default disposition in the child.
	ResetSignals []os.Signal
}

// NewLaunchSpec returns the launch policy for a runner slot: run the start
// command from the installation directory with stdin closed, output appended
// to the slot log, in its own process group with default interrupt handling.
func NewLaunchSpec(l *layout.Layout, startCommand, repo, name string, env []string) LaunchSpec {
	dir := l.RunnerDir(repo, name)
	return LaunchSpec{
		Path:            filepath.Join(dir, startCommand),
		Dir:             dir,
		Env:             env,
		LogPath:         l.RunnerLog(repo, name),
		LogFlags:        os.O_APPEND | os.O_CREATE | os.O_WRONLY,
		LogPerm:         0660,
		CloseStdin:      true,
		NewProcessGroup: true,
		ResetSignals:    []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// ExpandEnv resolves every template against environ and overlays the results
// on it. Templates reference variables as {NAME}; {{ and }} produce literal
// braces. Each template sees the original environment, not the results of
// the others.
func ExpandEnv(templates map[string]string, environ []string) ([]string, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)

	expanded := make(map[string]string, len(templates))
	for _, name := range names {
		value, err := expandTemplate(templates[name], vars)
		if err != nil {
			return nil, fmt.Errorf("extraEnv %s: %w", name, err)
		}
		expanded[name] = value
	}

	out := make([]string, 0, len(environ)+len(templates))
	seen := make(map[string]bool, len(templates))
	for _, kv := range environ {
		k, _, _ := strings.Cut(kv, "=")
		if value, ok := expanded[k]; ok {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k+"="+value)
			continue
		}
		out = append(out, kv)
	}
	for _, name := range names {
		if !seen[name] {
			out = append(out, name+"="+expanded[name])
		}
	}
	return out, nil
}

func expandTemplate(template string, vars map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder in %q", template)
			}
			name := template[i+1 : i+1+end]
			value, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("unknown variable {%s}", name)
			}
			b.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' in %q", template)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
