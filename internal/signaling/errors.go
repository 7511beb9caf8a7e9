package signaling

import "errors"

var (
	errOversized     = errors.New("signaling: message exceeds 64 KiB limit")
	errMalformed     = errors.New("signaling: message is not valid JSON")
	errMissingType   = errors.New("signaling: message missing \"type\"")
	errMissingTarget = errors.New("signaling: message missing \"target_device_id\"")
)
