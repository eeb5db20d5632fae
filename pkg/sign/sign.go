// Package sign drives the platform codesign tool over a bundle's
// components in dependency order.
package sign

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/signtools/signerd/pkg/runner"
)

// ErrSigningTool marks a failure of the underlying signing tool.
var ErrSigningTool = errors.New("signing tool error")

// SigningTool signs one Mach-O or bundle path in place.
type SigningTool interface {
	Sign(ctx context.Context, path, identity string, entitlements []byte) error
}

// Codesign invokes the platform codesign binary through a Runner.
// Keychain, when set, scopes the identity search to the job keychain.
type Codesign struct {
	Run      runner.Runner
	Keychain string
}

// Sign signs path with the named identity, replacing any existing
// signature. Entitlements, when non-nil, are written to a temp file
// and embedded.
func (c *Codesign) Sign(ctx context.Context, path, identity string, entitlements []byte) error {
	args := []string{"--continue", "-f", "--no-strict", "-s", identity}
	if c.Keychain != "" {
		args = append(args, "--keychain", c.Keychain)
	}

	if len(entitlements) > 0 {
		f, err := os.CreateTemp("", "entitlements-*.plist")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSigningTool, err)
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(entitlements); err != nil {
			f.Close()
			return fmt.Errorf("%w: %v", ErrSigningTool, err)
		}
		f.Close()
		args = append(args, "--entitlements", f.Name())
	}
	args = append(args, path)

	if _, err := c.Run.Run(ctx, runner.Cmd{Name: "codesign", Args: args}); err != nil {
		return fmt.Errorf("%w: %v", ErrSigningTool, err)
	}
	return nil
}

// DumpEntitlements reads the entitlement plist embedded in an existing
// signature. A binary with no signature or no entitlements yields nil
// without error.
func (c *Codesign) DumpEntitlements(ctx context.Context, path string) ([]byte, error) {
	out, err := c.Run.Run(ctx, runner.Cmd{
		Name: "codesign",
		Args: []string{"-d", "--entitlements", ":-", path},
	})
	if err != nil {
		// Unsigned binaries make codesign exit non-zero; that is
		// not a pipeline failure.
		return nil, nil
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
