// Package job runs one signing job end to end: fetch, extract,
// inject, sign, package and report, with every transition pushed to
// the job server.
package job

// State is a job lifecycle stage. Each stage maps to a fixed progress
// checkpoint; signing itself advances proportionally between its
// checkpoint and packaging.
type State int

const (
	StateInit State = iota
	StateDownloading
	StateCertificate
	StateExtracting
	StateTweakInjection
	StateSigning
	StatePackaging
	StateUploading
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "initializing"
	case StateDownloading:
		return "downloading"
	case StateCertificate:
		return "certificate"
	case StateExtracting:
		return "extracting"
	case StateTweakInjection:
		return "tweak_injection"
	case StateSigning:
		return "signing"
	case StatePackaging:
		return "packaging"
	case StateUploading:
		return "uploading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress returns the stage's progress checkpoint.
func (s State) Progress() int {
	switch s {
	case StateInit:
		return 5
	case StateDownloading:
		return 10
	case StateCertificate:
		return 15
	case StateExtracting:
		return 20
	case StateTweakInjection:
		return 25
	case StateSigning:
		return signingStart
	case StatePackaging:
		return 85
	case StateUploading:
		return 90
	case StateCompleted:
		return 100
	default:
		return 0
	}
}

// Signing advances from signingStart to signingEnd proportionally to
// the number of signed components.
const (
	signingStart = 30
	signingEnd   = 80
)

// signingProgress maps signed/total onto the signing progress band.
func signingProgress(signed, total int) int {
	if total <= 0 {
		return signingEnd
	}
	return signingStart + (signingEnd-signingStart)*signed/total
}
