package clustering

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/driftdb/drift/utils/latestonlychannel"
)

// InProcProvider tracks membership in process memory. It backs single
// instance deployments and tests, where an etcd cluster would be overkill.
type InProcProvider struct {
	lock     sync.Mutex
	revision int64
	members  []*inProcMember
	watchers []chan *ProviderSnapshot
}

type inProcMember struct {
	memberID string
	metaData []byte
}

var _ Provider = (*InProcProvider)(nil)

func NewInProcProvider() *InProcProvider {
	return &InProcProvider{}
}

func (p *InProcProvider) snapshotLocked() *ProviderSnapshot {
	members := make([]*ProviderMember, 0, len(p.members))
	for _, member := range p.members {
		members = append(members, &ProviderMember{
			MemberID: member.memberID,
			MetaData: slices.Clone(member.metaData),
		})
	}

	return &ProviderSnapshot{
		Revision: p.revision,
		Members:  members,
	}
}

// signalUpdatedLocked pushes the current snapshot to every watcher. Each
// watcher channel is drained by a latest-only pipe, so sends settle without
// waiting on the eventual consumer.
func (p *InProcProvider) signalUpdatedLocked() {
	snapshot := p.snapshotLocked()
	for _, watcher := range p.watchers {
		watcher <- snapshot
	}
}

func (p *InProcProvider) Join(ctx context.Context, memberID string, metaData []byte) (ProviderMembership, error) {
	if memberID == "" {
		memberID = uuid.NewString()
	}

	member := &inProcMember{
		memberID: memberID,
		metaData: slices.Clone(metaData),
	}

	p.lock.Lock()
	p.members = append(p.members, member)
	p.revision++
	p.signalUpdatedLocked()
	p.lock.Unlock()

	return &inProcMembership{
		provider: p,
		member:   member,
	}, nil
}

func (p *InProcProvider) Get(ctx context.Context) (*ProviderSnapshot, error) {
	p.lock.Lock()
	snapshot := p.snapshotLocked()
	p.lock.Unlock()

	return snapshot, nil
}

func (p *InProcProvider) Watch(ctx context.Context) (<-chan *ProviderSnapshot, error) {
	signalCh := make(chan *ProviderSnapshot, 1)
	outputCh := latestonlychannel.Wrap(signalCh)

	p.lock.Lock()
	p.watchers = append(p.watchers, signalCh)
	signalCh <- p.snapshotLocked()
	p.lock.Unlock()

	go func() {
		<-ctx.Done()

		p.lock.Lock()
		idx := slices.Index(p.watchers, signalCh)
		if idx >= 0 {
			p.watchers = slices.Delete(p.watchers, idx, idx+1)
		}
		p.lock.Unlock()

		close(signalCh)
	}()

	return outputCh, nil
}

type inProcMembership struct {
	provider *InProcProvider
	member   *inProcMember
}

var _ ProviderMembership = (*inProcMembership)(nil)

func (m *inProcMembership) UpdateMetaData(ctx context.Context, metaData []byte) error {
	p := m.provider

	p.lock.Lock()
	defer p.lock.Unlock()

	if !slices.Contains(p.members, m.member) {
		return ErrAlreadyLeft
	}

	m.member.metaData = slices.Clone(metaData)
	p.revision++
	p.signalUpdatedLocked()

	return nil
}

func (m *inProcMembership) Leave(ctx context.Context) error {
	p := m.provider

	p.lock.Lock()
	defer p.lock.Unlock()

	idx := slices.Index(p.members, m.member)
	if idx < 0 {
		return ErrAlreadyLeft
	}

	p.members = slices.Delete(p.members, idx, idx+1)
	p.revision++
	p.signalUpdatedLocked()

	return nil
}
