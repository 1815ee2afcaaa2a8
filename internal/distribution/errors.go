package distribution

import "errors"

// Rotation outcomes surfaced to callers. The first three are declined
// requests, not system faults; ErrProvisioningFailed and ErrNoEligibleServer
// are try-later outcomes, ErrUnknownUser and ErrUserBanned are hard
// rejections.
var (
	ErrUnknownUser        = errors.New("unknown user")
	ErrUserBanned         = errors.New("user is banned")
	ErrNoEligibleServer   = errors.New("no eligible server")
	ErrProvisioningFailed = errors.New("key provisioning failed")
)
