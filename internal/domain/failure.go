package domain

import (
	"errors"
	"fmt"
	"strings"
)

// FailureCode is a small stable identifier attached to every pipeline failure.
type FailureCode string

const (
	CodeRequestIDPayloadMismatch     FailureCode = "REQUEST_ID_PAYLOAD_MISMATCH"
	CodeRunScopeInvalid              FailureCode = "RUN_SCOPE_INVALID"
	CodeNoPassNoRead                 FailureCode = "NO_PASS_NO_READ"
	CodeFeatureProfileUnresolved     FailureCode = "FEATURE_PROFILE_UNRESOLVED"
	CodeBuildPlanImmutability        FailureCode = "BUILD_PLAN_IMMUTABILITY_VIOLATION"
	CodeReplayBasisMismatch          FailureCode = "REPLAY_BASIS_MISMATCH"
	CodeReplayBasisIncomplete        FailureCode = "REPLAY_BASIS_INCOMPLETE"
	CodeReplayDuplicateOffset        FailureCode = "REPLAY_DUPLICATE_OFFSET_MISMATCH"
	CodeReplayEventIDConflict        FailureCode = "REPLAY_EVENT_ID_CONFLICT"
	CodeLeakagePolicyViolation       FailureCode = "LEAKAGE_POLICY_VIOLATION"
	CodeCoveragePolicyViolation      FailureCode = "COVERAGE_POLICY_VIOLATION"
	CodeReceiptImmutability          FailureCode = "RECEIPT_IMMUTABILITY_VIOLATION"
	CodeDraftImmutability            FailureCode = "DRAFT_IMMUTABILITY_VIOLATION"
	CodeManifestImmutability         FailureCode = "MANIFEST_IMMUTABILITY_VIOLATION"
	CodeSupersessionLinkInvalid      FailureCode = "SUPERSESSION_LINK_INVALID"
	CodePublicationReceiptViolation  FailureCode = "PUBLICATION_RECEIPT_IMMUTABILITY_VIOLATION"
	CodePublishRetryExhausted        FailureCode = "PUBLISH_RETRY_EXHAUSTED"
	CodeLedgerTransitionInvalid      FailureCode = "LEDGER_TRANSITION_INVALID"
	CodeInternal                     FailureCode = "INTERNAL"
)

// publishTimeCodes are the failures routed to PUBLISH_PENDING instead of FAILED.
var publishTimeCodes = map[FailureCode]struct{}{
	CodeManifestImmutability:        {},
	CodeSupersessionLinkInvalid:     {},
	CodePublicationReceiptViolation: {},
	CodeReceiptImmutability:         {},
	CodeDraftImmutability:           {},
}

// Failure is a typed pipeline failure carrying a stable code and a human detail.
type Failure struct {
	Code    FailureCode
	Message string
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if strings.TrimSpace(f.Message) == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Failf builds a Failure with a formatted detail message.
func Failf(code FailureCode, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FailureFrom extracts a Failure from an error chain. Unexpected faults map to
// CodeInternal so every failure stays attributable to one code.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Code: CodeInternal, Message: err.Error()}
}

// IsPublishTime reports whether a failure should route the run to
// PUBLISH_PENDING rather than FAILED.
func (f *Failure) IsPublishTime() bool {
	if f == nil {
		return false
	}
	_, ok := publishTimeCodes[f.Code]
	return ok
}
