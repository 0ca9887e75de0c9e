package tunnel

import "errors"

var (
	ErrClosed         = errors.New("tunnel connection closed")
	ErrSendBufferFull = errors.New("tunnel send buffer full")
)
