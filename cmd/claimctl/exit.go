package main

import (
	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/exitcode"
	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/pipeline"
)

// claimExit maps one claim's outcome to a process exit code.
func claimExit(r pipeline.Result) int {
	if r.State != nil {
		switch r.State.Status {
		case model.StageAccepted:
			return exitcode.Success
		case model.StageRejected:
			return exitcode.ClaimRejected
		case model.StageFailed:
			return exitcode.ClaimFailed
		}
		if r.State.Reason == claimerr.ReasonUpstreamUnavailable {
			return exitcode.UpstreamUnavailable
		}
		return exitcode.ClaimFailed
	}
	switch claimerr.KindOf(r.Err) {
	case claimerr.KindInvalidClaim:
		return exitcode.ValidationError
	case claimerr.KindUpstreamUnavailable:
		return exitcode.UpstreamUnavailable
	}
	if r.Err == nil {
		return exitcode.Success
	}
	return exitcode.ClaimFailed
}

// batchExit folds per-claim exit codes: success when all succeeded, the
// claim's own code for a single claim, partial success when some succeeded,
// and otherwise the first failure.
func batchExit(codes []int) int {
	succeeded, firstFailure := 0, exitcode.Success
	for _, c := range codes {
		if c == exitcode.Success {
			succeeded++
		} else if firstFailure == exitcode.Success {
			firstFailure = c
		}
	}
	switch {
	case succeeded == len(codes):
		return exitcode.Success
	case len(codes) > 1 && succeeded > 0:
		return exitcode.PartialSuccess
	default:
		return firstFailure
	}
}
