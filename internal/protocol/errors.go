package protocol

import "errors"

// ErrProtocol indicates a malformed frame; this is fatal to
// the session (the caller closes the connection after sending BAD).
var ErrProtocol = errors.New("protocol error")

// ErrPayloadSizeMismatch indicates a literal's actual byte count diverged
// from its announced length, or (in the item/part layer) a streamed part's
// size diverged from its declared size.
var ErrPayloadSizeMismatch = errors.New("payload size mismatch")

// ErrLiteralTimeout indicates the per-read timeout for subsequent literal
// bytes elapsed (default 30s).
var ErrLiteralTimeout = errors.New("timed out waiting for literal data")
