package stream

import "errors"

var (
	// ErrInvalidState is returned by Write once the stream has ended.
	ErrInvalidState = errors.New("stream: write after end")
	// ErrMalformedRecord marks a record without a usable path. Such records are dropped.
	ErrMalformedRecord = errors.New("stream: record has no path")
)
