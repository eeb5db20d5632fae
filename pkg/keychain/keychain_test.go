package keychain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/signtools/signerd/pkg/runner"
)

// fakeRunner records security invocations and serves canned output.
type fakeRunner struct {
	calls   []runner.Cmd
	outputs map[string][]byte
	fail    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string][]byte{}, fail: map[string]error{}}
}

func (f *fakeRunner) Run(_ context.Context, cmd runner.Cmd) ([]byte, error) {
	f.calls = append(f.calls, cmd)
	key := cmd.Args[0]
	if err, ok := f.fail[key]; ok {
		return nil, err
	}
	return f.outputs[key], nil
}

func (f *fakeRunner) count(subcommand string) int {
	n := 0
	for _, c := range f.calls {
		if len(c.Args) > 0 && c.Args[0] == subcommand {
			n++
		}
	}
	return n
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireCreatesAndUnlocks(t *testing.T) {
	fr := newFakeRunner()
	fr.outputs["list-keychains"] = []byte("    \"/Library/Keychains/login.keychain\"\n")
	mgr := NewManager(fr, testLog())

	kc, err := mgr.Acquire(context.Background(), "job-42")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if kc.Name != "signerd-job-42.keychain" {
		t.Errorf("keychain name = %q", kc.Name)
	}
	for _, sub := range []string{"create-keychain", "unlock-keychain", "set-keychain-settings"} {
		if fr.count(sub) != 1 {
			t.Errorf("%s called %d times, want 1", sub, fr.count(sub))
		}
	}
}

func TestAcquireCleansUpOnUnlockFailure(t *testing.T) {
	fr := newFakeRunner()
	fr.fail["unlock-keychain"] = fmt.Errorf("wrong password")
	mgr := NewManager(fr, testLog())

	if _, err := mgr.Acquire(context.Background(), "job-42"); err == nil {
		t.Fatal("expected unlock failure to propagate")
	}
	if fr.count("delete-keychain") != 1 {
		t.Errorf("failed acquire must delete the keychain, delete called %d times", fr.count("delete-keychain"))
	}
}

func TestReleaseIdempotent(t *testing.T) {
	fr := newFakeRunner()
	mgr := NewManager(fr, testLog())

	kc, err := mgr.Acquire(context.Background(), "job-42")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	kc.Release(context.Background())
	kc.Release(context.Background())
	kc.Release(context.Background())

	if fr.count("delete-keychain") != 1 {
		t.Errorf("delete-keychain called %d times, want 1", fr.count("delete-keychain"))
	}
}

func TestPurgeStaleSkipsLiveJob(t *testing.T) {
	fr := newFakeRunner()
	fr.outputs["list-keychains"] = []byte(strings.Join([]string{
		`    "/Users/worker/Library/Keychains/signerd-dead-1.keychain"`,
		`    "/Users/worker/Library/Keychains/signerd-live.keychain"`,
		`    "/Library/Keychains/login.keychain"`,
	}, "\n"))
	mgr := NewManager(fr, testLog())

	if err := mgr.PurgeStale(context.Background(), "live"); err != nil {
		t.Fatalf("PurgeStale failed: %v", err)
	}

	var deleted []string
	for _, c := range fr.calls {
		if c.Args[0] == "delete-keychain" {
			deleted = append(deleted, c.Args[1])
		}
	}
	if len(deleted) != 1 || !strings.Contains(deleted[0], "signerd-dead-1") {
		t.Errorf("deleted = %v, want only the stale worker keychain", deleted)
	}
}

func TestImportIdentitySetsPartitionList(t *testing.T) {
	fr := newFakeRunner()
	mgr := NewManager(fr, testLog())

	kc, err := mgr.Acquire(context.Background(), "job-42")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := mgr.ImportIdentity(context.Background(), kc, "/tmp/identity.p12", "pass"); err != nil {
		t.Fatalf("ImportIdentity failed: %v", err)
	}

	if fr.count("import") != 1 {
		t.Errorf("import called %d times", fr.count("import"))
	}
	if fr.count("set-key-partition-list") != 1 {
		t.Error("partition list must be set after import")
	}
}
