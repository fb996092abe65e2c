package main

import "errors"

// errInterrupted and errAdapterUnavailable are sentinels RunE returns so
// main can map them to the daemon's documented exit codes (0 clean, 1
// fatal startup, 2 adapter unavailable, 130 signal-terminated) without
// re-deriving the cause from a formatted string.
var (
	errInterrupted        = errors.New("interrupted")
	errAdapterUnavailable = errors.New("bluetooth adapter unavailable")
)
