// Package tombstones maintains the deletion markers a replicating store
// keeps so that peers pulling changes can detect deletes which happened
// after their last sync point.  Markers are held in one ordered storage
// list per stream, keyed by the binary form of the etag assigned at delete
// time, and are only ever removed by the retention manager once a caller
// vouches that no peer can still need them.
package tombstones

import (
	"errors"
	"fmt"
	"time"

	"github.com/driftdb/drift/etag"
)

// Stream identifies one logical tombstone stream.  Streams are purged
// independently of each other.
type Stream string

const (
	StreamDocuments   Stream = "documents"
	StreamAttachments Stream = "attachments"
)

// Streams lists the known streams in a stable order.
var Streams = []Stream{StreamDocuments, StreamAttachments}

var ErrUnknownStream = errors.New("tombstones: unknown stream")

// ParseStream validates a stream name from external input.
func ParseStream(s string) (Stream, error) {
	switch Stream(s) {
	case StreamDocuments:
		return StreamDocuments, nil
	case StreamAttachments:
		return StreamAttachments, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStream, s)
}

func (s Stream) listName() []byte {
	return []byte("tombstones/" + string(s))
}

// Entry is one deletion marker.
type Entry struct {
	Key       string    `json:"key"`
	Etag      etag.Etag `json:"etag"`
	DeletedAt time.Time `json:"deletedAt"`
}
