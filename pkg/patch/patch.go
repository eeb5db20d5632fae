// Package patch rewrites bundle identifiers and identifier literals
// embedded in binaries, preserving byte lengths so Mach-O load
// commands and string tables stay valid.
package patch

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ErrPatch marks identifier patches that cannot be applied safely.
var ErrPatch = errors.New("patch error")

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// EncodeID deterministically re-encodes a bundle identifier into a
// same-length identifier. Each dot-separated segment maps to a
// lowercase alphanumeric string of identical length, seeded by the
// segment and the team id, so the same input always yields the same
// output for a given team and segment lengths never change.
func EncodeID(id, teamID string) string {
	if strings.TrimSpace(id) == "" {
		return id
	}
	parts := strings.Split(id, ".")
	for i, part := range parts {
		parts[i] = encodeSegment(part, teamID)
	}
	return strings.Join(parts, ".")
}

func encodeSegment(segment, teamID string) string {
	if segment == "" {
		return segment
	}
	out := make([]byte, 0, len(segment))
	block := sha256.Sum256([]byte(segment + teamID))
	for len(out) < len(segment) {
		for _, b := range block {
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == len(segment) {
				break
			}
		}
		block = sha256.Sum256(block[:])
	}
	return string(out)
}

// BundleIDFromEmail derives the stable per-account bundle id prefix
// used when a job forces a fresh app id: com.hs.<hash> where hash is
// the first six hex characters of the md5 of the email's local part.
func BundleIDFromEmail(email string) string {
	local := email
	if i := strings.Index(email, "@"); i >= 0 {
		local = email[:i]
	}
	sum := md5.Sum([]byte(local))
	return "com.hs." + hex.EncodeToString(sum[:])[:6]
}

// Mapping is the set of identifier rewrites for one job: old bundle
// ids (and the old team id) to their replacements.
type Mapping map[string]string

// Add records a rewrite. Identical old/new pairs are dropped.
func (m Mapping) Add(old, new string) {
	if old == "" || old == new {
		return
	}
	m[old] = new
}

// SameLength reports whether every rewrite preserves byte length,
// which binary patching requires.
func (m Mapping) SameLength() bool {
	for old, new := range m {
		if len(old) != len(new) {
			return false
		}
	}
	return true
}

// PatchBinary replaces identifier literals inside a binary in place.
// Replacements whose lengths differ fail with ErrPatch when the old
// literal actually occurs in the binary; a literal that does not occur
// is not an error.
func PatchBinary(path string, m Mapping) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	// Longest literals first, so a rewrite of a nested id is applied
	// before the shorter prefix rewrite can clobber it.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	// Overlapping rewrites are only safe when they agree: rewriting the
	// shorter literal inside the longer one must yield the longer
	// literal's own replacement. Anything else is order-dependent.
	for _, a := range keys {
		for _, b := range keys {
			if a == b || !strings.Contains(a, b) {
				continue
			}
			if strings.ReplaceAll(a, b, m[b]) == m[a] {
				continue
			}
			if bytes.Contains(data, []byte(a)) && bytes.Contains(data, []byte(b)) {
				return fmt.Errorf("%w: conflicting overlapping rewrites %q and %q in %s", ErrPatch, a, b, path)
			}
		}
	}

	changed := false
	for _, old := range keys {
		new := m[old]
		oldB, newB := []byte(old), []byte(new)
		if !bytes.Contains(data, oldB) {
			continue
		}
		if len(oldB) != len(newB) {
			return fmt.Errorf("%w: cannot rewrite %q to %q in %s: lengths differ (%d vs %d)",
				ErrPatch, old, new, path, len(oldB), len(newB))
		}
		data = bytes.ReplaceAll(data, oldB, newB)
		changed = true
	}
	if !changed {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, info.Mode()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
