package repair

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
)

// Recovery modes.
const (
	ModePerFile = "per_file"
	ModeBatch   = "batch"
)

// Failure policies for per-file mode.
const (
	PolicyAbort = "abort"
	PolicySkip  = "skip"
)

// Output areas scanned by batch mode.
const (
	AreaInput  = "input"
	AreaOutput = "output"
)

// Argument placeholders.
const (
	PlaceholderInput     = "{input}"
	PlaceholderOutput    = "{output}"
	PlaceholderInputDir  = "{input_dir}"
	PlaceholderOutputDir = "{output_dir}"
)

// ProcessConfig is everything a recoverer needs to launch the tool.
type ProcessConfig struct {
	Binary  string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// Environ returns the host environment with the configured overrides applied.
func (p ProcessConfig) Environ() []string {
	env := os.Environ()
	if len(p.Env) == 0 {
		return env
	}
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env)+len(keys))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := p.Env[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+p.Env[k])
	}
	return out
}

func (p ProcessConfig) invocation(ws recovery.Workspace, vars map[string]string) Invocation {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	replacer := strings.NewReplacer(pairs...)
	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		args[i] = replacer.Replace(a)
	}
	return Invocation{
		Name:    p.Binary,
		Args:    args,
		Dir:     ws.Root,
		Env:     p.Environ(),
		Timeout: p.Timeout,
	}
}

// OutputName derives the recovered file name: stem, suffix, then the input's
// extension (or ext when the input has none).
func OutputName(name, suffix, ext string) string {
	base := filepath.Base(name)
	inExt := filepath.Ext(base)
	stem := strings.TrimSuffix(base, inExt)
	if stem == "" {
		stem = base
		inExt = ""
	}
	if inExt == "" {
		inExt = ext
	}
	return stem + suffix + inExt
}

// toolError converts a runner failure into the recovery error type.
func toolError(file string, res Result, err error) error {
	te := &recovery.ToolError{
		File:     file,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		TimedOut: res.TimedOut,
		Err:      err,
	}
	if te.ExitCode < 0 {
		te.ExitCode = 0
	}
	return te
}

func outcomeLabel(res Result, err error) string {
	switch {
	case err == nil:
		return "ok"
	case res.TimedOut:
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func validateProcess(p ProcessConfig) error {
	if strings.TrimSpace(p.Binary) == "" {
		return errors.New("repair binary is required")
	}
	return nil
}
