package tweak

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/signtools/signerd/pkg/bundle"
	"github.com/signtools/signerd/pkg/runner"
)

type fakeRunner struct {
	calls []runner.Cmd
}

func (f *fakeRunner) Run(_ context.Context, cmd runner.Cmd) ([]byte, error) {
	f.calls = append(f.calls, cmd)
	return nil, nil
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testApp lays out a minimal extracted app on disk.
func testApp(t *testing.T) *bundle.AppBundle {
	t.Helper()
	root := filepath.Join(t.TempDir(), "Payload", "Test.app")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(root, "Test")
	if err := os.WriteFile(bin, []byte("main binary"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &bundle.AppBundle{
		Root: root,
		Main: 0,
		Components: []bundle.Component{{
			Path:       root,
			BinaryPath: bin,
			Kind:       bundle.KindExecutable,
		}},
	}
}

func tweaksDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("tweak"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestInjectStagesDylib(t *testing.T) {
	app := testApp(t)
	fr := &fakeRunner{}
	inj := NewInjector(fr, testLog())

	if err := inj.Inject(context.Background(), app, tweaksDir(t, "Hook.dylib")); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}

	staged := filepath.Join(app.Root, "Frameworks", "Hook.dylib")
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("dylib not staged: %v", err)
	}

	if len(app.Components) != 2 {
		t.Fatalf("component not registered, have %d", len(app.Components))
	}
	injected := app.Components[1]
	if !injected.Injected || injected.Kind != bundle.KindDylib {
		t.Errorf("unexpected component: %+v", injected)
	}

	// The main executable must depend on the injected dylib.
	deps := app.Components[app.Main].Deps
	if len(deps) != 1 || deps[0] != 1 {
		t.Errorf("main deps = %v", deps)
	}

	// And the load command rewrite must target the main binary.
	var sawInsert bool
	for _, c := range fr.calls {
		if c.Name == "insert_dylib" {
			sawInsert = true
			last := c.Args[len(c.Args)-1]
			if last != app.Components[app.Main].BinaryPath {
				t.Errorf("insert_dylib target = %q", last)
			}
		}
	}
	if !sawInsert {
		t.Error("insert_dylib was not invoked")
	}
}

func TestInjectConflict(t *testing.T) {
	app := testApp(t)
	// The bundle already ships a Hook.dylib.
	if err := os.MkdirAll(filepath.Join(app.Root, "Frameworks"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(app.Root, "Frameworks", "Hook.dylib"), []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	inj := NewInjector(&fakeRunner{}, testLog())
	err := inj.Inject(context.Background(), app, tweaksDir(t, "Hook.dylib"))
	if err == nil {
		t.Fatal("expected conflict")
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestInjectSkipsUnrecognizedFiles(t *testing.T) {
	app := testApp(t)
	fr := &fakeRunner{}
	inj := NewInjector(fr, testLog())

	if err := inj.Inject(context.Background(), app, tweaksDir(t, "README.txt")); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if len(app.Components) != 1 {
		t.Errorf("unrecognized file registered as component")
	}
	if len(fr.calls) != 0 {
		t.Errorf("no tool should run for unrecognized files: %v", fr.calls)
	}
}

func TestInjectEmptyDirIsNoop(t *testing.T) {
	app := testApp(t)
	inj := NewInjector(&fakeRunner{}, testLog())
	if err := inj.Inject(context.Background(), app, t.TempDir()); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if len(app.Components) != 1 {
		t.Errorf("components changed on empty injection")
	}
}

func TestDestForRouting(t *testing.T) {
	inj := NewInjector(&fakeRunner{}, testLog())
	dir := t.TempDir()
	for _, c := range []struct {
		name string
		want string
	}{
		{"A.dylib", "Frameworks/A.dylib"},
		{"B.framework", "Frameworks/B.framework"},
		{"C.appex", "PlugIns/C.appex"},
		{"D.bundle", "D.bundle"},
	} {
		if err := os.WriteFile(filepath.Join(dir, c.name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if e.Name() != c.name {
				continue
			}
			got, err := inj.destFor("/app", e)
			if err != nil {
				t.Fatal(err)
			}
			if got != filepath.Join("/app", c.want) {
				t.Errorf("destFor(%s) = %q, want %q", c.name, got, filepath.Join("/app", c.want))
			}
		}
	}
}
