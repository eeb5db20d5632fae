// Package entitle reconciles the entitlements an app requests with
// the entitlements its provisioning profile actually grants, producing
// the plist the signing step embeds.
package entitle

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"howett.net/plist"

	"github.com/signtools/signerd/pkg/profile"
)

// ErrMismatch marks a required capability the profile cannot grant.
var ErrMismatch = errors.New("entitlement mismatch")

// supported lists the entitlement keys a resigned app may keep. Keys
// outside this list are stripped: the portal will not grant them on a
// fresh app id and carrying them breaks installation.
var supported = makeSet(
	"application-identifier",
	"com.apple.developer.team-identifier",
	"com.apple.developer.healthkit",
	"com.apple.developer.healthkit.access",
	"com.apple.developer.homekit",
	"com.apple.external-accessory.wireless-configuration",
	"com.apple.security.application-groups",
	"inter-app-audio",
	"get-task-allow",
	"keychain-access-groups",
	"aps-environment",
	"com.apple.developer.icloud-container-development-container-identifiers",
	"com.apple.developer.icloud-container-environment",
	"com.apple.developer.icloud-container-identifiers",
	"com.apple.developer.icloud-services",
	"com.apple.developer.kernel.extended-virtual-addressing",
	"com.apple.developer.networking.multipath",
	"com.apple.developer.networking.networkextension",
	"com.apple.developer.networking.vpn.api",
	"com.apple.developer.networking.wifi-info",
	"com.apple.developer.nfc.readersession.formats",
	"com.apple.developer.siri",
	"com.apple.developer.ubiquity-container-identifiers",
	"com.apple.developer.ubiquity-kvstore-identifier",
	"com.apple.developer.associated-domains",
)

// required lists capabilities whose loss breaks the app outright. A
// profile that cannot grant one of these fails reconciliation instead
// of silently dropping it.
var required = makeSet(
	"com.apple.security.application-groups",
	"aps-environment",
)

func makeSet(keys ...string) map[string]bool {
	s := make(map[string]bool, len(keys))
	for _, k := range keys {
		s[k] = true
	}
	return s
}

// Overrides are job-level forced values applied after intersection.
// Overrides always win.
type Overrides struct {
	TeamID       string
	BundleID     string
	Distribution bool
	Debug        bool

	// EncodeID maps a group-style identifier suffix to its rewrite.
	// It must return identifiers it has no rewrite for unchanged, so
	// reconciling stays idempotent. Nil means all identifiers pass
	// through. RemappableIDs lists the suffixes a set will feed it.
	EncodeID func(string) string
}

// Result is a reconciled entitlement set plus what was removed.
type Result struct {
	Entitlements map[string]any
	Removed      []string
}

// Reconcile intersects the entitlements a component requests with what
// the profile grants, then applies forced overrides. The result is
// always a subset of profile-permitted keys plus the forced values.
// Reconciling an already reconciled set is a no-op.
func Reconcile(requested map[string]any, prof *profile.Profile, ov Overrides) (*Result, error) {
	out := make(map[string]any, len(requested))
	var removed []string

	for key, value := range requested {
		if !supported[key] {
			removed = append(removed, key)
			continue
		}
		if _, granted := prof.Entitlements[key]; !granted && isCapability(key) {
			if required[key] {
				return nil, fmt.Errorf("%w: profile does not grant required capability %s", ErrMismatch, key)
			}
			removed = append(removed, key)
			continue
		}
		out[key] = value
	}
	sort.Strings(removed)

	// Environment-sensitive values follow the certificate type.
	if _, ok := out["com.apple.developer.icloud-container-environment"]; ok {
		if ov.Distribution {
			out["com.apple.developer.icloud-container-environment"] = "Production"
		} else {
			out["com.apple.developer.icloud-container-environment"] = "Development"
		}
	}
	if _, ok := out["aps-environment"]; ok {
		if ov.Distribution {
			out["aps-environment"] = "production"
		} else {
			out["aps-environment"] = "development"
		}
	}
	if ov.Distribution || !ov.Debug {
		delete(out, "get-task-allow")
	} else {
		out["get-task-allow"] = true
	}

	out["com.apple.developer.team-identifier"] = ov.TeamID
	out["application-identifier"] = ov.TeamID + "." + ov.BundleID

	remapGroupIDs(out, ov)

	return &Result{Entitlements: out, Removed: removed}, nil
}

// isCapability reports whether a key names a portal-granted capability
// rather than an identifier the reconciler sets itself.
func isCapability(key string) bool {
	switch key {
	case "application-identifier", "com.apple.developer.team-identifier", "get-task-allow":
		return false
	}
	return true
}

// remapGroupIDs rewrites group-style identifiers (app groups, iCloud
// containers, keychain groups) onto the new team and, when the job
// encodes identifiers, through the same encoder the bundle ids use.
func remapGroupIDs(ents map[string]any, ov Overrides) {
	encode := ov.EncodeID
	if encode == nil {
		encode = func(s string) string { return s }
	}

	remapList(ents, "com.apple.security.application-groups", func(id string) string {
		return "group." + encode(strings.TrimPrefix(id, "group."))
	})
	for _, key := range []string{
		"com.apple.developer.icloud-container-identifiers",
		"com.apple.developer.ubiquity-container-identifiers",
		"com.apple.developer.icloud-container-development-container-identifiers",
	} {
		remapList(ents, key, func(id string) string {
			return "iCloud." + encode(strings.TrimPrefix(id, "iCloud."))
		})
	}
	remapList(ents, "keychain-access-groups", func(id string) string {
		if i := strings.Index(id, "."); i >= 0 {
			return ov.TeamID + id[i:]
		}
		return ov.TeamID + "." + id
	})
	if v, ok := ents["com.apple.developer.ubiquity-kvstore-identifier"].(string); ok {
		if i := strings.Index(v, "."); i >= 0 {
			ents["com.apple.developer.ubiquity-kvstore-identifier"] = ov.TeamID + "." + encode(v[i+1:])
		}
	}
}

// RemappableIDs returns the identifier suffixes Reconcile feeds to
// Overrides.EncodeID for this entitlement set, with the group./iCloud.
// and team prefixes already stripped. Callers seed their rewrite table
// from these before reconciling.
func RemappableIDs(ents map[string]any) []string {
	var ids []string
	collect := func(key, prefix string) {
		switch v := ents[key].(type) {
		case string:
			ids = append(ids, strings.TrimPrefix(v, prefix))
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					ids = append(ids, strings.TrimPrefix(s, prefix))
				}
			}
		case []string:
			for _, s := range v {
				ids = append(ids, strings.TrimPrefix(s, prefix))
			}
		}
	}

	collect("com.apple.security.application-groups", "group.")
	for _, key := range []string{
		"com.apple.developer.icloud-container-identifiers",
		"com.apple.developer.ubiquity-container-identifiers",
		"com.apple.developer.icloud-container-development-container-identifiers",
	} {
		collect(key, "iCloud.")
	}
	if v, ok := ents["com.apple.developer.ubiquity-kvstore-identifier"].(string); ok {
		if i := strings.Index(v, "."); i >= 0 {
			ids = append(ids, v[i+1:])
		}
	}
	return ids
}

func remapList(ents map[string]any, key string, f func(string) string) {
	switch v := ents[key].(type) {
	case string:
		ents[key] = f(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			if s, ok := item.(string); ok {
				out[i] = f(s)
			} else {
				out[i] = item
			}
		}
		ents[key] = out
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = f(s)
		}
		ents[key] = out
	}
}

// MarshalPlist encodes an entitlement set as an XML plist for
// codesign's --entitlements flag.
func MarshalPlist(ents map[string]any) ([]byte, error) {
	return plist.MarshalIndent(ents, plist.XMLFormat, "\t")
}
