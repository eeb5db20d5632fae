// Package keychain manages the per-job ephemeral keychain holding the
// signing identity. Every job gets its own keychain, unlocked for the
// job's lifetime and deleted on release regardless of outcome.
package keychain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/signtools/signerd/pkg/runner"
)

const namePrefix = "signerd-"

// Manager creates, unlocks and destroys job keychains through the
// platform security tool.
type Manager struct {
	run runner.Runner
	log *slog.Logger
}

// NewManager creates a keychain manager.
func NewManager(run runner.Runner, log *slog.Logger) *Manager {
	return &Manager{run: run, log: log}
}

// Keychain is one live job keychain.
type Keychain struct {
	Name     string
	password string

	mgr      *Manager
	released bool
}

// Acquire purges stale keychains left by crashed jobs, then creates
// and unlocks a fresh keychain for jobID with a random password and
// adds it to the search list.
func (m *Manager) Acquire(ctx context.Context, jobID string) (*Keychain, error) {
	if err := m.PurgeStale(ctx, jobID); err != nil {
		// A failed purge is survivable; the new keychain is still
		// usable alongside the leftovers.
		m.log.Warn("stale keychain purge failed", "error", err)
	}

	kc := &Keychain{
		Name:     namePrefix + jobID + ".keychain",
		password: uuid.NewString(),
		mgr:      m,
	}

	if _, err := m.run.Run(ctx, runner.Cmd{
		Name: "security",
		Args: []string{"create-keychain", "-p", kc.password, kc.Name},
	}); err != nil {
		return nil, fmt.Errorf("failed to create keychain %s: %w", kc.Name, err)
	}

	// No auto-lock while the job runs.
	if _, err := m.run.Run(ctx, runner.Cmd{
		Name: "security",
		Args: []string{"set-keychain-settings", kc.Name},
	}); err != nil {
		kc.Release(ctx)
		return nil, fmt.Errorf("failed to configure keychain %s: %w", kc.Name, err)
	}

	if _, err := m.run.Run(ctx, runner.Cmd{
		Name: "security",
		Args: []string{"unlock-keychain", "-p", kc.password, kc.Name},
	}); err != nil {
		kc.Release(ctx)
		return nil, fmt.Errorf("failed to unlock keychain %s: %w", kc.Name, err)
	}

	if err := m.addToSearchList(ctx, kc.Name); err != nil {
		kc.Release(ctx)
		return nil, err
	}

	m.log.Info("keychain ready", "keychain", kc.Name)
	return kc, nil
}

// ImportIdentity imports a P12 into the keychain and grants codesign
// access to the imported key.
func (m *Manager) ImportIdentity(ctx context.Context, kc *Keychain, p12Path, p12Password string) error {
	if _, err := m.run.Run(ctx, runner.Cmd{
		Name: "security",
		Args: []string{"import", p12Path,
			"-k", kc.Name,
			"-P", p12Password,
			"-T", "/usr/bin/codesign"},
	}); err != nil {
		return fmt.Errorf("failed to import identity into %s: %w", kc.Name, err)
	}

	// Clear the partition list prompt so codesign can use the key
	// without UI.
	if _, err := m.run.Run(ctx, runner.Cmd{
		Name: "security",
		Args: []string{"set-key-partition-list",
			"-S", "apple-tool:,apple:",
			"-s", "-k", kc.password, kc.Name},
	}); err != nil {
		return fmt.Errorf("failed to set key partition list on %s: %w", kc.Name, err)
	}
	return nil
}

// Release deletes the keychain. Idempotent; safe to defer alongside an
// explicit call on the failure path.
func (kc *Keychain) Release(ctx context.Context) {
	if kc.released {
		return
	}
	kc.released = true

	if _, err := kc.mgr.run.Run(ctx, runner.Cmd{
		Name: "security",
		Args: []string{"delete-keychain", kc.Name},
	}); err != nil {
		kc.mgr.log.Warn("keychain delete failed", "keychain", kc.Name, "error", err)
		return
	}
	kc.mgr.log.Info("keychain released", "keychain", kc.Name)
}

// PurgeStale deletes every worker keychain except the one belonging to
// liveJobID. Pass an empty liveJobID to purge all of them.
func (m *Manager) PurgeStale(ctx context.Context, liveJobID string) error {
	out, err := m.run.Run(ctx, runner.Cmd{
		Name: "security",
		Args: []string{"list-keychains", "-d", "user"},
	})
	if err != nil {
		return fmt.Errorf("failed to list keychains: %w", err)
	}

	live := ""
	if liveJobID != "" {
		live = namePrefix + liveJobID + ".keychain"
	}

	for _, name := range parseKeychainList(out) {
		base := name[strings.LastIndex(name, "/")+1:]
		if !strings.HasPrefix(base, namePrefix) || base == live {
			continue
		}
		if _, err := m.run.Run(ctx, runner.Cmd{
			Name: "security",
			Args: []string{"delete-keychain", name},
		}); err != nil {
			m.log.Warn("stale keychain delete failed", "keychain", name, "error", err)
			continue
		}
		m.log.Info("purged stale keychain", "keychain", name)
	}
	return nil
}

func (m *Manager) addToSearchList(ctx context.Context, name string) error {
	out, err := m.run.Run(ctx, runner.Cmd{
		Name: "security",
		Args: []string{"list-keychains", "-d", "user"},
	})
	if err != nil {
		return fmt.Errorf("failed to list keychains: %w", err)
	}

	args := []string{"list-keychains", "-d", "user", "-s", name}
	args = append(args, parseKeychainList(out)...)
	if _, err := m.run.Run(ctx, runner.Cmd{Name: "security", Args: args}); err != nil {
		return fmt.Errorf("failed to add %s to search list: %w", name, err)
	}
	return nil
}

// parseKeychainList parses `security list-keychains` output, one
// quoted path per line.
func parseKeychainList(out []byte) []string {
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.Trim(strings.TrimSpace(line), `"`)
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}
