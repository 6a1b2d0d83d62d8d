package stats

import "errors"

var (
	ErrInvalidRequest = errors.New("stats: invalid request")
	ErrInvalidRecord  = errors.New("stats: invalid record")
	ErrOverflow       = errors.New("stats: overflow")
)
