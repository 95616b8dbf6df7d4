package store

// ErrCode is a closed-set drop/failure reason. Every drop or failure
// surfaced anywhere in the gateway carries one of these.
type ErrCode string

const (
	ErrDispatchAborted             ErrCode = "dispatch_aborted"
	ErrDispatchIDMismatch          ErrCode = "dispatch_id_mismatch"
	ErrAbortTextSuppressed         ErrCode = "abort_text_suppressed"
	ErrDuplicateTextSuppressed     ErrCode = "duplicate_text_suppressed"
	ErrPolicyBlocked               ErrCode = "policy_blocked"
	ErrQuotaExceeded               ErrCode = "quota_exceeded"
	ErrAutomationMetaLeakGuard     ErrCode = "automation_meta_leak_guard"
	ErrDispatchTimeout             ErrCode = "dispatch_timeout"
	ErrTransportUnavailable        ErrCode = "transport_unavailable"
	ErrResolveActionFailed         ErrCode = "resolve_action_failed"
	ErrMaterializeHTTPFailed       ErrCode = "materialize_http_failed"
	ErrMaterializeEmptyPayload     ErrCode = "materialize_empty_payload"
	ErrFileNotFound                ErrCode = "file_not_found"
	ErrContainerLocalUnreadable    ErrCode = "container_local_unreadable"
	ErrDuplicatePayload            ErrCode = "duplicate_payload"
	ErrUnsupportedSource           ErrCode = "unsupported_source"
	ErrPathOutsideAllowlist        ErrCode = "path_outside_allowlist"
	ErrMigrationIOFailed           ErrCode = "migration_io_failed"
	ErrGroupMemberLookupFailed     ErrCode = "group_member_lookup_failed"
	ErrQueuedSupersededByNewer     ErrCode = "queued_superseded_by_newer_inbound"
	ErrMergedIntoNewerInbound      ErrCode = "merged_into_newer_inbound"
	ErrRouteGenerationStale        ErrCode = "route_generation_stale"
	ErrUnknown                     ErrCode = "unknown_error"
)

// notFallbackEligible lists the drop reasons that must NOT trigger the
// bounded fallback message. Everything else is eligible.
var notFallbackEligible = map[ErrCode]bool{
	ErrDuplicateTextSuppressed: true,
	ErrAbortTextSuppressed:     true,
	ErrAutomationMetaLeakGuard: true,
	ErrDispatchAborted:         true,
	ErrDispatchIDMismatch:      true,
	ErrPolicyBlocked:           true,
	ErrQuotaExceeded:           true,
}

// FallbackEligible reports whether a drop with this reason may trigger the
// bounded fallback message after a dispatch delivers nothing.
func FallbackEligible(code ErrCode) bool {
	return !notFallbackEligible[code]
}
