package models

// FailureReason classifies why an upload pass stopped making progress.
type FailureReason string

const (
	FailureMissingConfig FailureReason = "MISSING_CONFIG"
	FailureMissingToken  FailureReason = "MISSING_TOKEN"
	FailureTokenExpired  FailureReason = "TOKEN_EXPIRED"
	FailureUnauthorized  FailureReason = "UNAUTHORIZED"
	FailureNetworkError  FailureReason = "NETWORK_ERROR"
	FailureServerError   FailureReason = "SERVER_ERROR"
)

// Retryable reports whether the next scheduled upload tick may succeed once
// external state changes, without the queue having been consumed.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureMissingConfig, FailureMissingToken, FailureTokenExpired:
		return true
	}
	return false
}

// UploadResult summarizes one UploadPending pass. FailureReason is empty when
// the queue drained completely.
type UploadResult struct {
	UploadedBatches int           `json:"uploaded_batches"`
	FailureReason   FailureReason `json:"failure_reason,omitempty"`
}
