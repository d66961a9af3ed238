// Package clustering maintains the optional registry of drift instances.
// Providers track raw member records; the Manager layers the drift member
// metadata on top. The registry lists sibling instances for operators, it
// is not a substitute for crawl-based mesh discovery.
package clustering

import (
	"context"
	"errors"
)

var ErrAlreadyLeft = errors.New("membership was already left")

// ProviderMember is one raw registry record.
type ProviderMember struct {
	MemberID string
	MetaData []byte
}

// ProviderSnapshot is the full membership at one revision.
type ProviderSnapshot struct {
	Revision int64
	Members  []*ProviderMember
}

// ProviderMembership is a joined member's handle on its own record.
type ProviderMembership interface {
	UpdateMetaData(ctx context.Context, metaData []byte) error
	Leave(ctx context.Context) error
}

// Provider tracks membership. Join and Leave must not be called
// concurrently with each other; either is safe alongside Watch/Get.
type Provider interface {
	Join(ctx context.Context, memberID string, metaData []byte) (ProviderMembership, error)

	Watch(ctx context.Context) (<-chan *ProviderSnapshot, error)
	Get(ctx context.Context) (*ProviderSnapshot, error)
}
