// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package runlist

import "errors"

var (
	// ErrInsufficientCapacity is returned by the assembler when a TSG and its
	// active channels do not fit in the remaining entries.
	ErrInsufficientCapacity = errors.New("insufficient runlist capacity")
	ErrTooManyEntries       = errors.New("too many runlist entries")
	ErrCapacityExceeded     = errors.New("runlist capacity exceeded")

	ErrTimeout     = errors.New("runlist update timeout")
	ErrInterrupted = errors.New("runlist wait interrupted")
	ErrBusy        = errors.New("runlist busy")

	ErrNoOwningGroup       = errors.New("bare channel in runlist update")
	ErrLastDomainProtected = errors.New("cannot delete the last runlist domain")
	ErrDomainExists        = errors.New("runlist domain exists")
	ErrNoSuchDomain        = errors.New("no such runlist domain")
	ErrInvalidRunlist      = errors.New("invalid runlist")
	ErrNoFreeID            = errors.New("no free id")
	ErrEntryFormat         = errors.New("value does not fit the runlist entry format")
)
