// Package tweak injects extra frameworks, dylibs and app extensions
// into an app bundle before signing. Injection completes entirely
// before the signing pipeline starts so injected code is ordered and
// signed like native components.
package tweak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/signtools/signerd/pkg/bundle"
	"github.com/signtools/signerd/pkg/runner"
)

// ErrConflict marks an injected file colliding with an existing
// bundle member of the same name.
var ErrConflict = errors.New("tweak conflict")

// Injector stages a tweak package into an app bundle and rewires load
// commands.
type Injector struct {
	run runner.Runner
	log *slog.Logger

	// InsertDylibTool is the path of the insert_dylib binary.
	// Defaults to looking it up on PATH.
	InsertDylibTool string
}

// NewInjector creates a tweak injector.
func NewInjector(run runner.Runner, log *slog.Logger) *Injector {
	return &Injector{run: run, log: log, InsertDylibTool: "insert_dylib"}
}

// Inject routes the contents of tweaksDir into the app, rewrites the
// main executable to load the injected dylibs, re-links inter-tweak
// references, and registers the new files as components with
// dependency edges so signing order holds.
func (inj *Injector) Inject(ctx context.Context, app *bundle.AppBundle, tweaksDir string) error {
	entries, err := os.ReadDir(tweaksDir)
	if err != nil {
		return fmt.Errorf("failed to read tweak directory: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	var injected []string
	for _, e := range entries {
		src := filepath.Join(tweaksDir, e.Name())
		dest, err := inj.destFor(app.Root, e)
		if err != nil {
			return err
		}
		if dest == "" {
			inj.log.Warn("skipping unrecognized tweak file", "file", e.Name())
			continue
		}
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%w: %s already exists in bundle", ErrConflict, e.Name())
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := copyTree(src, dest); err != nil {
			return fmt.Errorf("failed to stage %s: %w", e.Name(), err)
		}
		injected = append(injected, dest)
		inj.log.Info("staged tweak", "file", e.Name(), "dest", dest)
	}

	if err := inj.register(app, injected); err != nil {
		return err
	}
	if err := inj.rewriteLoadCommands(ctx, app, injected); err != nil {
		return err
	}
	return nil
}

// destFor maps a tweak entry to its place in the bundle. Frameworks
// and dylibs go to Frameworks/, app extensions to PlugIns/, resource
// bundles to the app root.
func (inj *Injector) destFor(appRoot string, e os.DirEntry) (string, error) {
	name := e.Name()
	switch {
	case strings.HasSuffix(name, ".framework"), strings.HasSuffix(name, ".dylib"):
		return filepath.Join(appRoot, "Frameworks", name), nil
	case strings.HasSuffix(name, ".appex"):
		return filepath.Join(appRoot, "PlugIns", name), nil
	case strings.HasSuffix(name, ".bundle"):
		return filepath.Join(appRoot, name), nil
	}
	return "", nil
}

// register adds the injected components and dependency edges: the
// main executable depends on every injected dylib and framework, and
// inter-tweak references become edges too.
func (inj *Injector) register(app *bundle.AppBundle, injected []string) error {
	var added []int
	for _, dest := range injected {
		c, ok, err := bundle.LoadInjected(dest)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		idx := app.AddInjected(c)
		app.AddDependency(app.Main, idx)
		added = append(added, idx)
	}

	byName := make(map[string]int)
	for i, c := range app.Components {
		if c.BinaryPath != "" {
			byName[filepath.Base(c.BinaryPath)] = i
		}
	}
	for _, idx := range added {
		c := &app.Components[idx]
		if c.BinaryPath == "" {
			continue
		}
		imports, err := bundle.ImportedLibraries(c.BinaryPath)
		if err != nil {
			inj.log.Debug("cannot read load commands of injected binary", "path", c.BinaryPath, "error", err)
			continue
		}
		for _, imp := range imports {
			if j, ok := byName[filepath.Base(imp)]; ok && j != idx {
				app.AddDependency(idx, j)
			}
		}
	}
	return nil
}

// rewriteLoadCommands makes the main executable load each injected
// dylib and points inter-tweak references at their staged locations.
func (inj *Injector) rewriteLoadCommands(ctx context.Context, app *bundle.AppBundle, injected []string) error {
	mainBin := app.Components[app.Main].BinaryPath

	for _, dest := range injected {
		binPath, loadPath := injectedBinary(app.Root, dest)
		if binPath == "" {
			continue
		}
		if _, err := inj.run.Run(ctx, runner.Cmd{
			Name: inj.InsertDylibTool,
			Args: []string{"--inplace", "--no-strip-codesig", "--all-yes", loadPath, mainBin},
		}); err != nil {
			return fmt.Errorf("failed to add load command for %s: %w", loadPath, err)
		}

		// Tweak binaries often reference each other by their build
		// path; re-link against the staged copies.
		for _, other := range injected {
			otherBin, otherLoad := injectedBinary(app.Root, other)
			if otherBin == "" || other == dest {
				continue
			}
			imports, err := bundle.ImportedLibraries(binPath)
			if err != nil {
				continue
			}
			for _, imp := range imports {
				if filepath.Base(imp) != filepath.Base(otherBin) || imp == otherLoad {
					continue
				}
				if _, err := inj.run.Run(ctx, runner.Cmd{
					Name: "install_name_tool",
					Args: []string{"-change", imp, otherLoad, binPath},
				}); err != nil {
					return fmt.Errorf("failed to re-link %s against %s: %w", binPath, otherLoad, err)
				}
			}
		}
	}
	return nil
}

// injectedBinary returns the on-disk binary path and the
// @executable_path load path for an injected file. Resource bundles
// have no binary.
func injectedBinary(appRoot, dest string) (binPath, loadPath string) {
	rel, err := filepath.Rel(appRoot, dest)
	if err != nil {
		return "", ""
	}
	switch {
	case strings.HasSuffix(dest, ".dylib"):
		return dest, "@executable_path/" + filepath.ToSlash(rel)
	case strings.HasSuffix(dest, ".framework"):
		name := strings.TrimSuffix(filepath.Base(dest), ".framework")
		bin := filepath.Join(dest, name)
		if _, err := os.Stat(bin); err != nil {
			return "", ""
		}
		return bin, "@executable_path/" + filepath.ToSlash(rel) + "/" + name
	}
	return "", ""
}

func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dest, info.Mode()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
