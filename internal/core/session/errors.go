package session

import "errors"

var (
	ErrObjectNotFound        = errors.New("object not found")
	ErrObjectIDTaken         = errors.New("object ID already mapped")
	ErrNotMaster             = errors.New("operation requires the master instance")
	ErrMasterRefused         = errors.New("master refused object mapping")
	ErrDuplicateBarrierEntry = errors.New("duplicate barrier entry for round")
	ErrVersionGap            = errors.New("delta version gap")
	ErrUnknownCommand        = errors.New("unknown session command")
)
