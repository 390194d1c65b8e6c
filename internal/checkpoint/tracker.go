package checkpoint

import (
	"time"

	"player-order-service/internal/errs"
	"player-order-service/internal/models"
)

// Policy selects how checkpoint completion is gated.
type Policy string

const (
	// Sequential requires earlier checkpoints to be complete first.
	Sequential Policy = "sequential"
	// Unordered allows completion in any order.
	Unordered Policy = "unordered"
)

// Validate checks a checkpoint plan at order creation: names unique
// and non-empty, due timestamps non-decreasing.
func Validate(cps []models.Checkpoint) error {
	seen := make(map[string]struct{}, len(cps))
	for i, cp := range cps {
		if cp.Name == "" {
			return errs.Validation(errs.CodeValidation, "checkpoint %d has empty name", i)
		}
		if _, dup := seen[cp.Name]; dup {
			return errs.Validation(errs.CodeValidation, "duplicate checkpoint name %q", cp.Name)
		}
		seen[cp.Name] = struct{}{}
		if i > 0 && cp.DueAt.Before(cps[i-1].DueAt) {
			return errs.Validation(errs.CodeValidation, "checkpoint %q due before its predecessor", cp.Name)
		}
	}
	return nil
}

// MarkComplete records completion of the named checkpoint, enforcing
// the gating policy. It returns the updated slice; the input is not
// mutated.
func MarkComplete(cps []models.Checkpoint, name, proof string, policy Policy, now time.Time) ([]models.Checkpoint, error) {
	idx := -1
	for i, cp := range cps {
		if cp.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errs.Validation(errs.CodeValidation, "unknown checkpoint %q", name)
	}
	if cps[idx].Completed {
		// Re-completion is a no-op so retried calls stay idempotent.
		return cps, nil
	}
	if policy == Sequential {
		for i := 0; i < idx; i++ {
			if !cps[i].Completed {
				return nil, errs.Business(errs.CodeCheckpointOrder, "checkpoint %q incomplete before %q", cps[i].Name, name)
			}
		}
	}

	out := make([]models.Checkpoint, len(cps))
	copy(out, cps)
	done := now.UTC()
	out[idx].Completed = true
	out[idx].CompletedAt = &done
	if proof != "" {
		out[idx].Proof = &proof
	}
	return out, nil
}

// AllComplete reports whether every checkpoint is finished.
func AllComplete(cps []models.Checkpoint) bool {
	for _, cp := range cps {
		if !cp.Completed {
			return false
		}
	}
	return true
}

// CompletionRatio is completed/total, 1.0 for an empty plan.
func CompletionRatio(cps []models.Checkpoint) float64 {
	if len(cps) == 0 {
		return 1.0
	}
	var done int
	for _, cp := range cps {
		if cp.Completed {
			done++
		}
	}
	return float64(done) / float64(len(cps))
}

// Cursor returns the index of the first incomplete checkpoint, or -1
// when all are done.
func Cursor(cps []models.Checkpoint) int {
	for i, cp := range cps {
		if !cp.Completed {
			return i
		}
	}
	return -1
}

// LateNames lists checkpoints past due and not completed at the given
// instant. Lateness is derived here, never stored.
func LateNames(cps []models.Checkpoint, now time.Time) []string {
	var late []string
	for _, cp := range cps {
		if cp.Late(now) {
			late = append(late, cp.Name)
		}
	}
	return late
}
