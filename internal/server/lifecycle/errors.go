package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound           = errors.New("record not found")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrAliasGenerationExhausted = errors.New("alias generation attempts exhausted")
	ErrNoMatchingThreshold      = errors.New("file size exceeds every retention threshold")
	ErrAdmissionRejected        = errors.New("admission rejected")
	ErrInternalConsistency      = errors.New("internal consistency violation")
	ErrStore                    = errors.New("metadata store failure")
	ErrBlobStore                = errors.New("blob store failure")
)

// RejectReason names the ceiling an upload would have crossed.
type RejectReason int

const (
	OriginQuotaExceeded RejectReason = iota
	OriginFileCountExceeded
	GlobalQuotaExceeded
)

func (r RejectReason) String() string {
	switch r {
	case OriginQuotaExceeded:
		return "origin_quota_exceeded"
	case OriginFileCountExceeded:
		return "origin_file_count_exceeded"
	case GlobalQuotaExceeded:
		return "global_quota_exceeded"
	default:
		return "unknown"
	}
}

// AdmissionError is returned when an upload is refused by quota admission.
// It matches ErrAdmissionRejected with errors.Is.
type AdmissionError struct {
	Reason RejectReason
	Origin string
}

func (e *AdmissionError) Error() string {
	switch e.Reason {
	case OriginQuotaExceeded:
		return fmt.Sprintf("size quota exceeded for %s", e.Origin)
	case OriginFileCountExceeded:
		return fmt.Sprintf("file count quota exceeded for %s", e.Origin)
	default:
		return "global size quota exceeded"
	}
}

func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
