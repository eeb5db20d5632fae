package job

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/signtools/signerd/pkg/bundle"
	"github.com/signtools/signerd/pkg/config"
	"github.com/signtools/signerd/pkg/entitle"
	"github.com/signtools/signerd/pkg/keychain"
	"github.com/signtools/signerd/pkg/patch"
	"github.com/signtools/signerd/pkg/profile"
	toolrun "github.com/signtools/signerd/pkg/runner"
	"github.com/signtools/signerd/pkg/secret"
	"github.com/signtools/signerd/pkg/sign"
	"github.com/signtools/signerd/pkg/tweak"
	"github.com/signtools/signerd/pkg/webhook"
)

// Runner executes one signing job end to end.
type Runner struct {
	Cfg  *config.Worker
	Hook *webhook.Client
	Exec toolrun.Runner
	Log  *slog.Logger
}

// Execute runs the job. Failures are reported to the server before
// returning; the keychain is released on every exit path.
func (r *Runner) Execute(ctx context.Context) error {
	if err := r.execute(ctx); err != nil {
		category := Classify(err)
		r.Log.Error("job failed", "category", category, "error", err)
		details := fmt.Sprintf("category=%s\n%v", category, err)
		// The terminal report must survive a canceled job context.
		if failErr := r.Hook.Fail(context.WithoutCancel(ctx), err.Error(), details); failErr != nil {
			r.Log.Error("failure report lost", "error", failErr)
		}
		return err
	}
	return nil
}

func (r *Runner) execute(ctx context.Context) error {
	jobID := r.Hook.JobID()

	info, err := r.Hook.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch job info: %w", err)
	}
	r.Log.Info("job accepted", "type", info.Job.JobType, "ipa", info.IPA.Name)
	r.progress(ctx, StateInit, "Initializing job")

	wd := filepath.Join(r.Cfg.WorkDir, jobID)
	if err := os.MkdirAll(wd, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(wd)

	// Download before touching the portal so a dead link fails fast.
	r.progress(ctx, StateDownloading, "Downloading unsigned app")
	legacyToken := r.Cfg.LegacyKey
	if legacyToken == "" {
		legacyToken = r.Cfg.APIToken
	}
	fetcher := &Fetcher{
		ServerURL: r.Cfg.ServerURL,
		APIToken:  legacyToken,
		HTTP:      &http.Client{},
		Log:       r.Log,
	}
	unsignedIPA := filepath.Join(wd, "unsigned.ipa")
	if err := fetcher.Download(ctx, jobID, info.Job.InputPath, unsignedIPA); err != nil {
		return err
	}

	mgr := keychain.NewManager(r.Exec, r.Log)
	kc, err := mgr.Acquire(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to set up keychain: %w", err)
	}
	// Release must survive a canceled job context.
	defer kc.Release(context.WithoutCancel(ctx))

	creds := profile.Credentials{
		AccountID: info.Account.AccountID,
		Email:     info.Account.Email,
		Password:  r.accountPassword(info.Account.Password),
		TeamID:    info.Account.TeamID,
	}
	bundleID := info.Job.BundleID
	if bundleID == "" {
		if creds.Email == "" {
			return fmt.Errorf("%w: job carries neither a bundle id nor a developer email", profile.ErrProfile)
		}
		bundleID = patch.BundleIDFromEmail(creds.Email)
		r.Log.Info("derived bundle id from account", "bundle_id", bundleID)
	}

	portal := profile.NewFastlane(r.Exec, r.Hook, r.Cfg.TwoFactorTimeout(), r.Log)
	lifecycle := profile.NewLifecycle(portal, r.Hook, r.Log)

	// A certificate cached on the server skips portal issuance, which
	// also sidesteps the portal's rate limits.
	var cachedP12 []byte
	if creds.AccountID != "" {
		p12, err := r.Hook.StoredCertificate(ctx, creds.AccountID)
		if err != nil {
			r.Log.Debug("no cached certificate on server", "error", err)
		} else if len(p12) > 0 {
			r.Log.Info("using cached certificate from server")
			cachedP12 = p12
		}
	}

	material, err := lifecycle.Ready(ctx, creds, bundleID, false, nil, cachedP12, profile.CertificateExportPassword)
	if err != nil {
		return err
	}
	r.progress(ctx, StateCertificate, "Certificate and profile ready")

	identity, err := keychain.InspectP12(material.P12, material.P12Password)
	if err != nil {
		return fmt.Errorf("%w: %v", profile.ErrCertificate, err)
	}
	if !material.Profile.MatchesCertificate(identity.Certificate) {
		return fmt.Errorf("%w: profile %s does not include certificate %q",
			profile.ErrProfile, material.Profile.UUID, identity.CommonName)
	}
	p12Path := filepath.Join(wd, "identity.p12")
	if err := os.WriteFile(p12Path, material.P12, 0o600); err != nil {
		return fmt.Errorf("failed to stage identity: %w", err)
	}
	if err := mgr.ImportIdentity(ctx, kc, p12Path, material.P12Password); err != nil {
		return fmt.Errorf("%w: %v", profile.ErrCertificate, err)
	}

	teamID := material.Profile.TeamID()
	if teamID == "" {
		teamID = identity.TeamID
	}

	if len(cachedP12) == 0 && creds.AccountID != "" {
		if err := r.Hook.StoreCertificate(ctx, creds.AccountID, teamID, material.P12); err != nil {
			r.Log.Warn("certificate cache upload failed", "error", err)
		}
	}

	r.progress(ctx, StateExtracting, "Extracting IPA")
	extractDir := filepath.Join(wd, "extracted")
	if err := bundle.ExtractIPA(unsignedIPA, extractDir); err != nil {
		return err
	}
	appDir, err := bundle.FindApp(extractDir)
	if err != nil {
		return err
	}
	if err := bundle.RemoveWatchPlaceholders(appDir); err != nil {
		return err
	}
	if err := bundle.RemoveSCInfo(appDir); err != nil {
		return err
	}
	app, err := bundle.Load(appDir)
	if err != nil {
		return err
	}
	if err := app.ResolveDependencies(); err != nil {
		return err
	}

	tweaksDir := filepath.Join(r.Cfg.WorkDir, "tweaks", jobID)
	if fi, err := os.Stat(tweaksDir); err == nil && fi.IsDir() {
		r.progress(ctx, StateTweakInjection, "Injecting tweaks")
		injector := tweak.NewInjector(r.Exec, r.Log)
		if err := injector.Inject(ctx, app, tweaksDir); err != nil {
			return err
		}
	}

	opts := config.SignOptions{
		CommonName:       identity.CommonName,
		TeamID:           teamID,
		AccountName:      creds.Email,
		AccountPass:      creds.Password,
		BundleID:         bundleID,
		BundleName:       info.Job.BundleName,
		PatchDebug:       true,
		PatchAllDevices:  true,
		PatchFileSharing: false,
		EncodeIDs:        true,
		PatchIDs:         false,
		ForceOriginalID:  false,
	}

	r.progress(ctx, StateSigning, "Starting signing process")
	tool := &sign.Codesign{Run: r.Exec, Keychain: kc.Name}
	if err := r.signBundle(ctx, app, material, tool, opts); err != nil {
		return err
	}

	// The profile must still be valid when the app is packaged.
	if err := lifecycle.Revalidate(); err != nil {
		return err
	}

	r.progress(ctx, StatePackaging, "Signing completed, packaging app")
	signedIPA := filepath.Join(wd, "signed.ipa")
	if err := bundle.Repackage(extractDir, signedIPA); err != nil {
		return err
	}

	r.progress(ctx, StateUploading, "Uploading signed IPA")
	storagePath, size, err := r.store(jobID, signedIPA)
	if err != nil {
		return err
	}

	return r.finish(ctx, storagePath, size)
}

// finish delivers the terminal completion report. The job already
// succeeded; a report the server never received is logged as the last
// resort, never escalated into a failure.
func (r *Runner) finish(ctx context.Context, storagePath string, size int64) error {
	if err := r.Hook.Complete(context.WithoutCancel(ctx), storagePath, size); err != nil {
		r.Log.Error("completion report lost", "output", storagePath, "size", size, "error", err)
		return nil
	}
	r.Log.Info("job completed", "output", storagePath, "size", size)
	return nil
}

// signBundle patches identifiers and entitlements, embeds the
// provisioning profile and runs the signing pipeline.
func (r *Runner) signBundle(ctx context.Context, app *bundle.AppBundle, material *profile.Material, tool *sign.Codesign, opts config.SignOptions) error {
	// Entitlements travel with the old signature; dump them before
	// anything is re-signed.
	for i := range app.Components {
		c := &app.Components[i]
		if c.BinaryPath == "" || (c.Kind != bundle.KindExecutable && c.Kind != bundle.KindPlugin) {
			continue
		}
		raw, err := tool.DumpEntitlements(ctx, c.Path)
		if err != nil || len(raw) == 0 {
			continue
		}
		var ents map[string]any
		if _, err := plist.Unmarshal(raw, &ents); err == nil {
			c.Entitlements = ents
		}
	}

	oldTeamID := oldTeamFromEntitlements(app.Components[app.Main].Entitlements)

	mainID := opts.BundleID
	if opts.ForceOriginalID {
		mainID = app.Components[app.Main].OriginalID
	}
	mapping := patch.BuildMapping(app, mainID, oldTeamID, opts.TeamID)

	// Group-style identifiers (app groups, iCloud containers) get
	// their rewrites recorded in the same mapping the binary patcher
	// uses. Reconciliation then only looks rewrites up, so running it
	// twice yields the same result.
	var encoder func(string) string
	if opts.EncodeIDs {
		for i := range app.Components {
			for _, id := range entitle.RemappableIDs(app.Components[i].Entitlements) {
				if _, ok := mapping[id]; !ok {
					mapping.Add(id, patch.EncodeID(id, opts.TeamID))
				}
			}
		}
		encoder = func(id string) string {
			if enc, ok := mapping[id]; ok {
				return enc
			}
			return id
		}
	}

	infoOpts := patch.InfoOptions{
		BundleName:       opts.BundleName,
		PatchAllDevices:  opts.PatchAllDevices,
		PatchFileSharing: opts.PatchFileSharing,
	}
	for i := range app.Components {
		c := &app.Components[i]
		if err := patch.PatchInfoPlist(c, c.RemappedID, i == app.Main, infoOpts); err != nil {
			return err
		}
		if opts.PatchIDs && c.BinaryPath != "" {
			if err := patch.PatchBinary(c.BinaryPath, mapping); err != nil {
				return err
			}
		}
	}

	// The profile is embedded in the app and every app extension, but
	// not in frameworks or bare dylibs.
	for i := range app.Components {
		c := &app.Components[i]
		if c.Kind != bundle.KindExecutable && c.Kind != bundle.KindPlugin {
			continue
		}
		embedded := filepath.Join(c.Path, "embedded.mobileprovision")
		if err := os.WriteFile(embedded, material.Profile.Raw, 0o644); err != nil {
			return fmt.Errorf("failed to embed provisioning profile: %w", err)
		}
	}

	pipeline := &sign.Pipeline{
		App:         app,
		Concurrency: r.Cfg.Concurrency,
		Log:         r.Log,
		SignComponent: func(ctx context.Context, idx int) error {
			return r.signComponent(ctx, app, idx, material, tool, opts, encoder)
		},
		OnProgress: func(signed, total int) {
			r.Hook.Progress(ctx, signingProgress(signed, total),
				StateSigning.String(), fmt.Sprintf("Signed %d of %d components", signed, total))
		},
	}
	return pipeline.Run(ctx)
}

func (r *Runner) signComponent(ctx context.Context, app *bundle.AppBundle, idx int, material *profile.Material, tool *sign.Codesign, opts config.SignOptions, encoder func(string) string) error {
	c := &app.Components[idx]

	target := c.Path
	var entData []byte
	if c.Kind == bundle.KindExecutable || c.Kind == bundle.KindPlugin {
		compID := c.RemappedID
		if compID == "" {
			compID = c.OriginalID
		}
		res, err := entitle.Reconcile(c.Entitlements, material.Profile, entitle.Overrides{
			TeamID:       opts.TeamID,
			BundleID:     compID,
			Distribution: opts.IsDistribution(),
			Debug:        opts.PatchDebug,
			EncodeID:     encoder,
		})
		if err != nil {
			return err
		}
		if len(res.Removed) > 0 {
			r.Log.Info("dropped unsupported entitlements", "component", c.Path, "removed", strings.Join(res.Removed, ","))
		}
		entData, err = entitle.MarshalPlist(res.Entitlements)
		if err != nil {
			return fmt.Errorf("failed to marshal entitlements: %w", err)
		}
	} else if c.Kind == bundle.KindDylib {
		// Bare dylibs are signed as files, without entitlements.
		target = c.BinaryPath
	}

	return tool.Sign(ctx, target, opts.CommonName, entData)
}

// accountPassword decrypts the portal password when the server sent
// it encrypted; plaintext passwords pass through.
func (r *Runner) accountPassword(pw string) string {
	if pw == "" || r.Cfg.SecretKey == "" {
		return pw
	}
	plain, err := secret.Decrypt(pw, r.Cfg.SecretKey, r.Cfg.SecretKey)
	if err != nil {
		return pw
	}
	return plain
}

func (r *Runner) progress(ctx context.Context, s State, message string) {
	r.Hook.Progress(ctx, s.Progress(), s.String(), message)
}

// store moves the signed IPA into the shared output tree the server
// serves downloads from.
func (r *Runner) store(jobID, signedIPA string) (string, int64, error) {
	outDir := filepath.Join(r.Cfg.WorkDir, "signed", jobID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	dest := filepath.Join(outDir, "signed.ipa")
	if err := os.Rename(signedIPA, dest); err != nil {
		return "", 0, fmt.Errorf("failed to store signed IPA: %w", err)
	}
	fi, err := os.Stat(dest)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("signed/%s/signed.ipa", jobID), fi.Size(), nil
}

func oldTeamFromEntitlements(ents map[string]any) string {
	if ents == nil {
		return ""
	}
	if v, ok := ents["com.apple.developer.team-identifier"].(string); ok {
		return v
	}
	if v, ok := ents["application-identifier"].(string); ok {
		if i := strings.Index(v, "."); i > 0 {
			return v[:i]
		}
	}
	return ""
}
