package ingest

import (
	"errors"
	"fmt"

	"github.com/procmon/procmon/internal/pkg/quota"
)

// Reason is the machine-readable cause of a rejected ingestion.
type Reason string

const (
	ReasonInvalidCategory Reason = "invalid_category"
	ReasonInvalidPayload  Reason = "invalid_payload"
	ReasonPayloadTooLarge Reason = "payload_too_large"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonQuotaExceeded   Reason = "quota_exceeded"
)

// ErrRejected matches every *RejectedError.
var ErrRejected = errors.New("event rejected")

// RejectedError is returned for requests that were refused without side effects.
type RejectedError struct {
	Reason Reason
	Detail string
	// Quota is set when Reason is ReasonQuotaExceeded.
	Quota *quota.ExceededError
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("event rejected: %s", e.Reason)
	}
	return fmt.Sprintf("event rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectedError) Unwrap() error {
	if e.Quota != nil {
		return e.Quota
	}
	return nil
}

func reject(reason Reason, err error) *RejectedError {
	return &RejectedError{Reason: reason, Detail: err.Error()}
}
