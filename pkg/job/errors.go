package job

import (
	"context"
	"errors"

	"github.com/signtools/signerd/pkg/bundle"
	"github.com/signtools/signerd/pkg/entitle"
	"github.com/signtools/signerd/pkg/patch"
	"github.com/signtools/signerd/pkg/profile"
	"github.com/signtools/signerd/pkg/sign"
	"github.com/signtools/signerd/pkg/tweak"
	"github.com/signtools/signerd/pkg/webhook"
)

// Classify maps an error to the failure category reported in
// job/fail, so the server can distinguish app problems from account
// problems from infrastructure.
func Classify(err error) string {
	switch {
	case errors.Is(err, bundle.ErrStructural):
		return "structural"
	case errors.Is(err, patch.ErrPatch):
		return "patch"
	case errors.Is(err, entitle.ErrMismatch):
		return "entitlements"
	case errors.Is(err, profile.ErrCertificate):
		return "certificate"
	case errors.Is(err, profile.ErrProfile):
		return "profile"
	case errors.Is(err, tweak.ErrConflict):
		return "tweak_conflict"
	case errors.Is(err, sign.ErrSigningTool):
		return "signing"
	case errors.Is(err, webhook.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
