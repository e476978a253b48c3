package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/exitcode"
	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/pipeline"
)

func stateResult(stage model.Stage, reason string) pipeline.Result {
	return pipeline.Result{State: &model.ClaimState{Status: stage, Reason: reason}}
}

func TestClaimExit(t *testing.T) {
	tests := []struct {
		name string
		in   pipeline.Result
		want int
	}{
		{"accepted", stateResult(model.StageAccepted, ""), exitcode.Success},
		{"rejected", stateResult(model.StageRejected, claimerr.ReasonUpstreamRejected), exitcode.ClaimRejected},
		{"failed", stateResult(model.StageFailed, claimerr.ReasonCodeNotFound), exitcode.ClaimFailed},
		{"parked on open breaker", stateResult(model.StageSubmitting, claimerr.ReasonUpstreamUnavailable), exitcode.UpstreamUnavailable},
		{"parked transient", stateResult(model.StageResolving, claimerr.ReasonTransient), exitcode.ClaimFailed},
		{"invalid claim error", pipeline.Result{Err: claimerr.InvalidClaim("process", "bad", nil)}, exitcode.ValidationError},
		{"upstream error", pipeline.Result{Err: claimerr.UpstreamUnavailable("submit", nil)}, exitcode.UpstreamUnavailable},
		{"other error", pipeline.Result{Err: errors.New("boom")}, exitcode.ClaimFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, claimExit(tt.in))
		})
	}
}

func TestBatchExit(t *testing.T) {
	assert.Equal(t, exitcode.Success, batchExit(nil))
	assert.Equal(t, exitcode.Success, batchExit([]int{0, 0}))
	assert.Equal(t, exitcode.ClaimRejected, batchExit([]int{exitcode.ClaimRejected}))
	assert.Equal(t, exitcode.PartialSuccess, batchExit([]int{0, exitcode.ClaimFailed}))
	assert.Equal(t, exitcode.ValidationError, batchExit([]int{exitcode.ValidationError, exitcode.ClaimFailed}))
}
