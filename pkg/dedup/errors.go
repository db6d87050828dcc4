package dedup

import "errors"

var (
	ErrDuplicate      = errors.New("dedup: provider event already recorded")
	ErrRecordNotFound = errors.New("dedup: provider event record not found")
	ErrStorageFailure = errors.New("dedup: storage failure")
)
