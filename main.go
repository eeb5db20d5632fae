package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/signtools/signerd/pkg/config"
	"github.com/signtools/signerd/pkg/job"
	"github.com/signtools/signerd/pkg/keychain"
	"github.com/signtools/signerd/pkg/profile"
	"github.com/signtools/signerd/pkg/runner"
	"github.com/signtools/signerd/pkg/webhook"
)

const version = "1.0.0"

const usage = `signerd - iOS app signing worker

Processes one signing job against the job server: downloads the
unsigned IPA, obtains signing material from the Developer Portal,
re-signs every component in dependency order and reports the result
back over webhooks.

Usage:
  signerd run --job=<id> [--config=<path>]
  signerd purge [--config=<path>]
  signerd info --profile=<path>
  signerd -h | --help
  signerd --version

Commands:
  run       Execute a signing job by id
  purge     Delete leftover worker keychains from crashed jobs
  info      Display information about a provisioning profile

Options:
  --job=<id>        Job identifier assigned by the server (or JOB_ID env var)
  --config=<path>   Path to the worker YAML config [default: signerd.yml]
  --profile=<path>  Path to a .mobileprovision file
  -h --help         Show this help message
  --version         Show version

Environment Variables:
  JOB_ID              Job identifier (overridden by --job)
  SIGNER_URL          Job server base URL
  SIGNER_TOKEN        Webhook API token
  SIGNER_KEY          Secret key for encrypted account credentials
  SIGNER_LEGACY_KEY   Key for the legacy file endpoint
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if run, _ := opts.Bool("run"); run {
		if err := runJob(opts, log); err != nil {
			log.Error("job did not complete", "error", err)
			os.Exit(1)
		}
	} else if purge, _ := opts.Bool("purge"); purge {
		if err := runPurge(opts, log); err != nil {
			log.Error("purge failed", "error", err)
			os.Exit(1)
		}
	} else if info, _ := opts.Bool("info"); info {
		if err := runInfo(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func runJob(opts docopt.Opts, log *slog.Logger) error {
	jobID, _ := opts.String("--job")
	if jobID == "" {
		jobID = os.Getenv("JOB_ID")
	}
	if jobID == "" {
		return fmt.Errorf("--job is required (or set JOB_ID environment variable)")
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log = log.With("job", jobID)
	r := &job.Runner{
		Cfg:  cfg,
		Hook: webhook.NewClient(cfg.ServerURL, cfg.APIToken, jobID, log),
		Exec: runner.Exec{},
		Log:  log,
	}
	return r.Execute(ctx)
}

func runPurge(opts docopt.Opts, log *slog.Logger) error {
	if _, err := loadConfig(opts); err != nil {
		return err
	}
	mgr := keychain.NewManager(runner.Exec{}, log)
	return mgr.PurgeStale(context.Background(), "")
}

func runInfo(opts docopt.Opts) error {
	profilePath, _ := opts.String("--profile")
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}

	prof, err := profile.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", prof.Name)
	fmt.Printf("Team ID:        %s\n", prof.TeamID())
	fmt.Printf("App ID:         %s\n", prof.AppID())
	fmt.Printf("Wildcard:       %v\n", prof.IsWildcard())
	fmt.Printf("UUID:           %s\n", prof.UUID)
	fmt.Printf("Created:        %s\n", prof.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", prof.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", prof.IsExpired())
	if certs, err := prof.Certificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}
	if len(prof.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(prof.ProvisionedDevices))
	}
	return nil
}

func loadConfig(opts docopt.Opts) (*config.Worker, error) {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
