package deployment

import "errors"

var (
	errStatusHistoryEmpty    = errors.New("deployment: statusHistory must not be empty")
	errStatusHistoryMismatch = errors.New("deployment: statusHistory's last entry must match status")
	errStageSessionMismatch  = errors.New("stage session: currentStageId does not follow the last successful stage")
)
