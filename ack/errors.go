package ack

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAcknowledgementFailed      = errors.New("acknowledgement failed")
	ErrErrorQueueForwardingFailed = errors.New("error queue forwarding failed")
	ErrInvalidBatchComposition    = errors.New("invalid batch composition")
	ErrRequeueUnsupported         = errors.New("requeue not supported on temporary queue")
)

// MemberError is the failure of a single batch member.
type MemberError struct {
	Index      int
	DeliveryID uint64
	Err        error
}

func (e MemberError) Error() string {
	return fmt.Sprintf("member %d (delivery %d): %v", e.Index, e.DeliveryID, e.Err)
}

func (e MemberError) Unwrap() error {
	return e.Err
}

// BatchError aggregates member failures of a batch acknowledgement.
type BatchError struct {
	Members []MemberError
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Members))
	for i, m := range e.Members {
		parts[i] = m.Error()
	}
	return fmt.Sprintf("%d batch members failed: %s", len(e.Members), strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Members))
	for i, m := range e.Members {
		errs[i] = m
	}
	return errs
}
