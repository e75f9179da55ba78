package types

import "errors"

// Sentinel errors for the failure kinds enumerated in spec §7. Callers
// use errors.Is against these rather than matching on message text.
var (
	ErrConfigInvalid       = errors.New("config invalid")
	ErrAuthRejected        = errors.New("authorization rejected")
	ErrPeerUnreachable     = errors.New("peer unreachable")
	ErrQueryTimeout        = errors.New("query timed out")
	ErrPlacementNoCandidate = errors.New("no placement candidate available")
	ErrLifecycleOrder      = errors.New("illegal lifecycle transition")
	ErrStagingFailed       = errors.New("staging failed")
	ErrRegistryAbsent      = errors.New("default registration delegate changed type")
)
