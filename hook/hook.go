// Package hook runs an operator-configured command against each finished
// download, e.g. to tag or transcode the file.
package hook

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mediadl/task"

	"github.com/google/shlex"
	"github.com/rs/zerolog"
)

// Placeholders substituted into hook arguments. FilePlaceholder is required.
const (
	FilePlaceholder     = "${FILE}"
	NamePlaceholder     = "${NAME}"
	SingerPlaceholder   = "${SINGER}"
	IdentityPlaceholder = "${IDENTITY}"
)

var placeholders = []string{FilePlaceholder, NamePlaceholder, SingerPlaceholder, IdentityPlaceholder}

const maxOutputInError = 512

// SplitCommand splits a command line into arguments without a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs rejects shell metacharacters outside placeholders and requires
// the file placeholder to be present.
func ValidateArgs(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("empty hook command")
	}
	hasFile := false
	for i, arg := range args {
		if strings.Contains(arg, FilePlaceholder) {
			if i == 0 {
				return fmt.Errorf("the program name cannot be a placeholder")
			}
			hasFile = true
		}
		bare := arg
		for _, p := range placeholders {
			bare = strings.ReplaceAll(bare, p, "")
		}
		if strings.ContainsAny(bare, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	if !hasFile {
		return fmt.Errorf("command must include the file placeholder '%s'", FilePlaceholder)
	}
	return nil
}

// Runner implements task.PostProcessor.
type Runner struct {
	args    []string
	timeout time.Duration
	log     zerolog.Logger
}

func New(command string, timeout time.Duration, log zerolog.Logger) (*Runner, error) {
	args, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}
	return &Runner{args: args, timeout: timeout, log: log}, nil
}

func (r *Runner) expand(t task.Task) []string {
	rep := strings.NewReplacer(
		FilePlaceholder, t.Destination,
		NamePlaceholder, t.Item.Name,
		SingerPlaceholder, t.Item.Singer,
		IdentityPlaceholder, string(t.Identity),
	)
	out := make([]string, len(r.args))
	for i, a := range r.args {
		out[i] = rep.Replace(a)
	}
	return out
}

// Process runs the hook for the downloaded file of t.
func (r *Runner) Process(ctx context.Context, t task.Task) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := r.expand(t)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.log.Debug().Str("identity", string(t.Identity)).Strs("args", args).Msg("running post-download hook")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > maxOutputInError {
			msg = msg[len(msg)-maxOutputInError:]
		}
		return fmt.Errorf("hook %s failed: %w: %s", args[0], err, msg)
	}
	return nil
}
