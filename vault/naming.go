package vault

import (
	"strings"

	"github.com/google/uuid"
)

// File suffixes. Correlated files share a UUID stem across folders:
// <uuid>.action.yaml, <uuid>.plan.md, <uuid>.approval.md.
const (
	SuffixAction   = ".action.yaml"
	SuffixPlan     = ".plan.md"
	SuffixApproval = ".approval.md"
)

// Stem returns the filename prefix up to the first dot. For pipeline
// files this is the action UUID shared by all correlated files.
func Stem(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// Suffix returns the part of the filename after the stem, including the
// leading dot ("" if the name has no extension).
func Suffix(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// IsUUIDStem reports whether the filename stem is a valid UUID, i.e.
// whether the file was materialised by the engine rather than dropped in
// by hand.
func IsUUIDStem(name string) bool {
	_, err := uuid.Parse(Stem(name))
	return err == nil
}

// ActionFilename returns the canonical action filename for a stem.
func ActionFilename(stem string) string { return stem + SuffixAction }

// PlanFilename returns the canonical plan filename for a stem.
func PlanFilename(stem string) string { return stem + SuffixPlan }

// ApprovalFilename returns the canonical approval filename for a stem.
func ApprovalFilename(stem string) string { return stem + SuffixApproval }
