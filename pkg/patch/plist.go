package patch

import (
	"fmt"
	"strings"

	"github.com/signtools/signerd/pkg/bundle"
)

// InfoOptions are the Info.plist adjustments a job can request on top
// of the identifier rewrite.
type InfoOptions struct {
	BundleName       string // CFBundleDisplayName override, empty keeps the original
	PatchAllDevices  bool
	PatchFileSharing bool
}

// PatchInfoPlist rewrites a component's CFBundleIdentifier and, for
// the main app only, applies the job's display name and device
// compatibility adjustments.
func PatchInfoPlist(c *bundle.Component, newID string, mainApp bool, opts InfoOptions) error {
	if c.InfoPlist == "" {
		return nil
	}
	info, err := bundle.ReadInfoPlist(c.InfoPlist)
	if err != nil {
		return fmt.Errorf("failed to read Info.plist for %s: %w", c.Path, err)
	}

	if newID != "" {
		info["CFBundleIdentifier"] = newID
	}

	if mainApp {
		if opts.BundleName != "" {
			info["CFBundleDisplayName"] = opts.BundleName
		}
		if opts.PatchAllDevices {
			delete(info, "UISupportedDevices")
			info["UIDeviceFamily"] = []int{1, 2, 3, 4}
			info["MinimumOSVersion"] = "3.0"
		}
		if opts.PatchFileSharing {
			info["UIFileSharingEnabled"] = true
			info["UISupportsDocumentBrowser"] = true
		}
	}

	if err := bundle.WriteInfoPlist(c.InfoPlist, info); err != nil {
		return fmt.Errorf("failed to write Info.plist for %s: %w", c.Path, err)
	}
	return nil
}

// BuildMapping derives the identifier rewrites for a loaded bundle.
// The main app maps to mainNewID and every other component's id is
// rewritten by substituting the main app's old id prefix, falling
// back to a deterministic same-length encoding when the component id
// does not share the prefix. The old team id maps to newTeamID when
// both are known.
func BuildMapping(app *bundle.AppBundle, mainNewID, oldTeamID, newTeamID string) Mapping {
	m := Mapping{}
	mainOld := app.Components[app.Main].OriginalID
	m.Add(mainOld, mainNewID)

	for i := range app.Components {
		c := &app.Components[i]
		if i == app.Main || c.OriginalID == "" {
			continue
		}
		var newID string
		if mainOld != "" && strings.HasPrefix(c.OriginalID, mainOld+".") {
			newID = mainNewID + strings.TrimPrefix(c.OriginalID, mainOld)
		} else {
			newID = EncodeID(c.OriginalID, newTeamID)
		}
		c.RemappedID = newID
		m.Add(c.OriginalID, newID)
	}
	app.Components[app.Main].RemappedID = mainNewID

	if oldTeamID != "" && newTeamID != "" {
		m.Add(oldTeamID, newTeamID)
	}
	return m
}
