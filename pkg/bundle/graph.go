package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
)

// ResolveDependencies reads each component's Mach-O load commands and
// wires dependency edges to other components inside the bundle.
// References to system libraries resolve to nothing and are ignored;
// what matters for signing order is which in-bundle binaries a
// component embeds.
func (b *AppBundle) ResolveDependencies() error {
	// Load-command paths come in as @rpath/Foo.framework/Foo or
	// @executable_path/Frameworks/libBar.dylib; match by binary
	// base name.
	byName := make(map[string]int)
	for i, c := range b.Components {
		if c.BinaryPath != "" {
			byName[filepath.Base(c.BinaryPath)] = i
		}
	}

	for i := range b.Components {
		c := &b.Components[i]
		if c.BinaryPath == "" {
			continue
		}
		imports, err := ImportedLibraries(c.BinaryPath)
		if err != nil {
			return fmt.Errorf("%w: failed to read load commands of %s: %v", ErrStructural, c.BinaryPath, err)
		}

		seen := make(map[int]bool)
		for _, imp := range imports {
			j, ok := byName[filepath.Base(imp)]
			if !ok || j == i || seen[j] {
				continue
			}
			seen[j] = true
			c.Deps = append(c.Deps, j)
		}
		sort.Ints(c.Deps)
	}
	return nil
}

// AddDependency wires an edge from component i to dependency j.
func (b *AppBundle) AddDependency(i, j int) {
	for _, d := range b.Components[i].Deps {
		if d == j {
			return
		}
	}
	b.Components[i].Deps = append(b.Components[i].Deps, j)
	sort.Ints(b.Components[i].Deps)
}

// SigningOrder returns arena indices in an order where every
// dependency precedes its dependents. Ties are broken by descending
// path depth, then ascending lexical path, so the order is
// reproducible and nested components sign before the main executable.
// A cycle is a fatal structural error; no partial order is returned.
func (b *AppBundle) SigningOrder() ([]int, error) {
	n := len(b.Components)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, c := range b.Components {
		indegree[i] = len(c.Deps)
		for _, d := range c.Deps {
			dependents[d] = append(dependents[d], i)
		}
	}

	less := func(a, bi int) bool {
		da, db := b.depth(a), b.depth(bi)
		if da != db {
			return da > db
		}
		return b.Components[a].Path < b.Components[bi].Path
	}

	var ready []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		sort.Slice(ready, func(x, y int) bool { return less(ready[x], ready[y]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != n {
		var stuck []string
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				stuck = append(stuck, b.relPath(i))
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: dependency cycle involving %s", ErrStructural, strings.Join(stuck, ", "))
	}
	return order, nil
}

func (b *AppBundle) relPath(i int) string {
	rel, err := filepath.Rel(b.Root, b.Components[i].Path)
	if err != nil {
		return b.Components[i].Path
	}
	return rel
}

// ImportedLibraries lists the dylib load commands of a thin or fat
// Mach-O file.
func ImportedLibraries(path string) ([]string, error) {
	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		if len(fat.Arches) == 0 {
			return nil, fmt.Errorf("fat binary has no architectures")
		}
		return fat.Arches[0].ImportedLibraries(), nil
	} else if !errors.Is(err, macho.ErrNotFat) {
		return nil, err
	}

	m, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return m.ImportedLibraries(), nil
}

// IsMachO reports whether a file starts with a Mach-O or fat magic
// number.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := f.Read(magic); err != nil {
		return false
	}
	return (magic[0] == 0xcf && magic[1] == 0xfa && magic[2] == 0xed && magic[3] == 0xfe) || // MH_MAGIC_64
		(magic[0] == 0xce && magic[1] == 0xfa && magic[2] == 0xed && magic[3] == 0xfe) || // MH_MAGIC
		(magic[0] == 0xca && magic[1] == 0xfe && magic[2] == 0xba && magic[3] == 0xbe) || // FAT_MAGIC
		(magic[0] == 0xca && magic[1] == 0xfe && magic[2] == 0xba && magic[3] == 0xbf) // FAT_MAGIC_64
}
