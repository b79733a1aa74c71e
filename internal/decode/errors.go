package decode

import "errors"

var (
	// ErrMalformedMessage is returned for payloads that cannot be parsed.
	// The message is dropped.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrOrphanUpdate marks a data record for a track whose header has not
	// been seen. Decoders drop these without surfacing an error.
	ErrOrphanUpdate = errors.New("orphan update")
)

// Wire formats, used as metric labels.
const (
	FormatDatagram = "datagram"
	FormatRecord   = "record"
)
