package models

// DeadLetterReason represents why a job was sent to the DLQ
type DeadLetterReason string

const (
	DLQReasonMaxRetries  DeadLetterReason = "max_retries_exceeded"
	DLQReasonInvalidJob  DeadLetterReason = "invalid_job"
	DLQReasonNotFound    DeadLetterReason = "event_not_found"
	DLQReasonUnknownType DeadLetterReason = "unknown_job_type"
	DLQReasonPanic       DeadLetterReason = "panic"
	DLQReasonUnknown     DeadLetterReason = "unknown"
)
