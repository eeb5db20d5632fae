// Package runner is a thin seam over external tool invocation so the
// keychain, tweak and signing layers can be tested against fakes.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Cmd describes one external tool invocation.
type Cmd struct {
	Name string
	Args []string
	Env  []string // appended to the process environment
	Dir  string
}

func (c Cmd) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes external tools.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) ([]byte, error)
}

// Exec runs commands on the host.
type Exec struct{}

// Run executes the command and returns its combined output. On a
// non-zero exit the output is folded into the error so failures from
// tools like codesign and security carry their diagnostics.
func (Exec) Run(ctx context.Context, cmd Cmd) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	c.Dir = cmd.Dir

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	if err := c.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s failed: %w: %s", cmd.Name, err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}
