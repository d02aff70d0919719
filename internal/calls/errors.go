package calls

import "errors"

var (
	ErrNoSuchSession    = errors.New("calls: no such session")
	ErrSessionTerminal  = errors.New("calls: session terminal")
	ErrDuplicateSession = errors.New("calls: duplicate session")
	ErrAlreadyAttached  = errors.New("calls: stream already attached")
	ErrEmptyText        = errors.New("calls: empty text")
)
