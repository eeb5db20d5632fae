// Package bundle models an extracted .app bundle as a graph of
// signable components. Components are stored in an index-addressed
// arena; dependency edges come from Mach-O load commands, and the
// signing order is a deterministic topological sort so nested
// frameworks and plugins always sign before the binaries that load
// them.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// ErrStructural marks a malformed bundle: a dependency cycle, a
// missing main executable, or a component without a binary.
var ErrStructural = errors.New("structural error")

// Kind classifies a signable component.
type Kind int

const (
	KindExecutable Kind = iota // the main app binary
	KindFramework
	KindPlugin // app extensions (.appex) and plugin bundles
	KindDylib  // bare dynamic libraries, including injected tweaks
)

func (k Kind) String() string {
	switch k {
	case KindExecutable:
		return "executable"
	case KindFramework:
		return "framework"
	case KindPlugin:
		return "plugin"
	case KindDylib:
		return "dylib"
	default:
		return "unknown"
	}
}

// Component is one signable node of the bundle. Deps holds arena
// indices of components this component's binary loads; those must be
// signed first.
type Component struct {
	Path       string // bundle dir for .app/.appex/.framework, file path for dylibs
	BinaryPath string // the Mach-O to sign
	InfoPlist  string // path to Info.plist, empty for bare dylibs
	Kind       Kind

	OriginalID string // CFBundleIdentifier before remapping
	RemappedID string // final bundle identifier, set by the patcher

	// Entitlements requested by this component, dumped from its
	// existing signature or empty.
	Entitlements map[string]any

	Deps     []int
	Injected bool // added by the tweak injector
}

// AppBundle is the root of an extracted .app directory plus its
// component arena. Index 0 conventions are not assumed; Main points
// at the main executable component.
type AppBundle struct {
	Root       string
	Components []Component
	Main       int
}

// Load scans an extracted .app directory, discovers every signable
// component and reads its identity from Info.plist. Dependency edges
// are resolved afterwards by ResolveDependencies.
func Load(appDir string) (*AppBundle, error) {
	info, err := ReadInfoPlist(filepath.Join(appDir, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("%w: app has no readable Info.plist: %v", ErrStructural, err)
	}
	execName, _ := info["CFBundleExecutable"].(string)
	if execName == "" {
		return nil, fmt.Errorf("%w: CFBundleExecutable missing from Info.plist", ErrStructural)
	}
	mainID, _ := info["CFBundleIdentifier"].(string)

	b := &AppBundle{Root: appDir}

	main := Component{
		Path:       appDir,
		BinaryPath: filepath.Join(appDir, execName),
		InfoPlist:  filepath.Join(appDir, "Info.plist"),
		Kind:       KindExecutable,
		OriginalID: mainID,
	}
	if _, err := os.Stat(main.BinaryPath); err != nil {
		return nil, fmt.Errorf("%w: main executable %s missing", ErrStructural, execName)
	}
	b.Main = b.add(main)

	err = filepath.Walk(appDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == appDir {
			return nil
		}
		name := fi.Name()
		if strings.HasPrefix(name, "._") || name == ".DS_Store" || name == "__MACOSX" {
			return nil
		}

		switch {
		case fi.IsDir() && strings.HasSuffix(name, ".framework"):
			c, err := loadDirComponent(path, KindFramework)
			if err != nil {
				return err
			}
			b.add(c)
			return filepath.SkipDir
		case fi.IsDir() && strings.HasSuffix(name, ".appex"):
			c, err := loadDirComponent(path, KindPlugin)
			if err != nil {
				return err
			}
			b.add(c)
			return filepath.SkipDir
		case !fi.IsDir() && strings.HasSuffix(name, ".dylib"):
			b.add(Component{
				Path:       path,
				BinaryPath: path,
				Kind:       KindDylib,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan bundle: %w", err)
	}

	return b, nil
}

// add appends a component to the arena and returns its index.
func (b *AppBundle) add(c Component) int {
	b.Components = append(b.Components, c)
	return len(b.Components) - 1
}

// AddInjected registers a tweak-injected component and returns its
// arena index. The caller wires dependency edges afterwards.
func (b *AppBundle) AddInjected(c Component) int {
	c.Injected = true
	return b.add(c)
}

// LoadInjected builds a Component for a file placed into the bundle
// after the initial scan. ok is false for resource-only files that
// need no signature of their own.
func LoadInjected(path string) (c Component, ok bool, err error) {
	switch {
	case strings.HasSuffix(path, ".dylib"):
		return Component{Path: path, BinaryPath: path, Kind: KindDylib}, true, nil
	case strings.HasSuffix(path, ".framework"):
		c, err = loadDirComponent(path, KindFramework)
		return c, err == nil, err
	case strings.HasSuffix(path, ".appex"):
		c, err = loadDirComponent(path, KindPlugin)
		return c, err == nil, err
	}
	return Component{}, false, nil
}

// loadDirComponent builds a Component for a .framework or .appex
// directory. Frameworks without an Info.plist fall back to the
// directory name for the binary.
func loadDirComponent(dir string, kind Kind) (Component, error) {
	c := Component{Path: dir, Kind: kind}

	plistPath := filepath.Join(dir, "Info.plist")
	if info, err := ReadInfoPlist(plistPath); err == nil {
		c.InfoPlist = plistPath
		c.OriginalID, _ = info["CFBundleIdentifier"].(string)
		if exec, ok := info["CFBundleExecutable"].(string); ok && exec != "" {
			c.BinaryPath = filepath.Join(dir, exec)
		}
	}
	if c.BinaryPath == "" {
		base := strings.TrimSuffix(filepath.Base(dir), filepath.Ext(dir))
		c.BinaryPath = filepath.Join(dir, base)
	}
	if _, err := os.Stat(c.BinaryPath); err != nil {
		if kind == KindPlugin {
			return c, fmt.Errorf("%w: plugin %s has no executable", ErrStructural, dir)
		}
		// Resource-only frameworks carry no binary and need no
		// signature of their own.
		c.BinaryPath = ""
	}
	return c, nil
}

// ReadInfoPlist parses a property list file into a map.
func ReadInfoPlist(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse plist %s: %w", path, err)
	}
	return info, nil
}

// WriteInfoPlist marshals a map back to an XML property list.
func WriteInfoPlist(path string, info map[string]any) error {
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal plist: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write plist: %w", err)
	}
	return nil
}

// RemoveWatchPlaceholders deletes Watch app stubs that cannot be
// re-signed with an iOS-only profile.
func RemoveWatchPlaceholders(appDir string) error {
	for _, name := range []string{"com.apple.WatchPlaceholder", "Watch"} {
		dir := filepath.Join(appDir, name)
		if _, err := os.Stat(dir); err == nil {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
	}
	return nil
}

// RemoveSCInfo deletes iTunes DRM metadata directories. Stale SC_Info
// from the store copy breaks installation after resigning.
func RemoveSCInfo(appDir string) error {
	var targets []string
	err := filepath.Walk(appDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() && fi.Name() == "SC_Info" {
			targets = append(targets, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan for SC_Info: %w", err)
	}
	for _, dir := range targets {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

// depth is the path depth used for deterministic ordering: deeper
// components sign first.
func (b *AppBundle) depth(i int) int {
	rel, err := filepath.Rel(b.Root, b.Components[i].Path)
	if err != nil {
		return 0
	}
	return strings.Count(rel, string(os.PathSeparator))
}
