// Package etag implements the totally ordered version markers that stamp
// every replicated mutation.  An etag pairs the issuing server instance's
// restart counter with a change counter that increases monotonically within
// one process lifetime, so a single server never issues the same etag twice
// and never issues a smaller etag after a larger one, even across restarts.
package etag

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/driftdb/drift/utils/revisionarr"
)

// KeyLen is the length of the binary key encoding of an etag.
const KeyLen = 16

var ErrInvalid = errors.New("invalid etag")

// Etag is an opaque version marker.  Callers may compare etags for ordering
// and equality but must never derive new etags arithmetically; only a
// Generator hands out new values.
type Etag struct {
	Restarts uint64
	Changes  uint64
}

// Compare returns an integer comparing two etags.  The result will be 0 if
// a == b, -1 if a < b, and +1 if a > b.  The restart component is the most
// significant part.
func Compare(a, b Etag) int {
	return revisionarr.Compare(a.revision(), b.revision())
}

// revision expresses the etag as a revision array, least significant
// component first.
func (e Etag) revision() []uint64 {
	return []uint64{e.Changes, e.Restarts}
}

// Before reports whether e is strictly older than other.
func (e Etag) Before(other Etag) bool {
	return Compare(e, other) < 0
}

func (e Etag) IsZero() bool {
	return e.Restarts == 0 && e.Changes == 0
}

// String renders the etag in its canonical textual form, two fixed-width
// hexadecimal components separated by a dash.  The rendering sorts
// lexicographically in the same order as the etags themselves.
func (e Etag) String() string {
	return fmt.Sprintf("%016x-%016x", e.Restarts, e.Changes)
}

// Key returns the binary key encoding of the etag: both components in
// big-endian order, so that bytewise key order equals etag order.  This is
// the form used to key tombstone entries in storage lists.
func (e Etag) Key() []byte {
	key := make([]byte, KeyLen)
	binary.BigEndian.PutUint64(key[0:8], e.Restarts)
	binary.BigEndian.PutUint64(key[8:16], e.Changes)
	return key
}

// FromKey decodes an etag from its binary key encoding.
func FromKey(key []byte) (Etag, error) {
	if len(key) != KeyLen {
		return Etag{}, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalid, KeyLen, len(key))
	}

	return Etag{
		Restarts: binary.BigEndian.Uint64(key[0:8]),
		Changes:  binary.BigEndian.Uint64(key[8:16]),
	}, nil
}

// Parse reads an etag from its canonical textual form.
func Parse(s string) (Etag, error) {
	restartsStr, changesStr, ok := strings.Cut(s, "-")
	if !ok || len(restartsStr) != 16 || len(changesStr) != 16 {
		return Etag{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	restarts, err := strconv.ParseUint(restartsStr, 16, 64)
	if err != nil {
		return Etag{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	changes, err := strconv.ParseUint(changesStr, 16, 64)
	if err != nil {
		return Etag{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	return Etag{Restarts: restarts, Changes: changes}, nil
}

func (e Etag) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Etag) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*e = parsed
	return nil
}
