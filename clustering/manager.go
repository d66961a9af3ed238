package clustering

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Member describes one drift instance in the registry. The JSON form is
// intentionally terse to keep the registry records small; the member ID
// rides on the registry key rather than the record body.
type Member struct {
	MemberID  string   `json:"-"`
	PublicURL string   `json:"u,omitempty"`
	ServerID  string   `json:"id,omitempty"`
	Stores    []string `json:"s,omitempty"`
}

// Snapshot is the decoded membership at one registry revision.
type Snapshot struct {
	Revision int64
	Members  []*Member
}

// Membership is a joined instance's handle on its own registry record.
type Membership struct {
	membership ProviderMembership
}

func (m *Membership) UpdateMetaData(ctx context.Context, data *Member) error {
	metaData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return m.membership.UpdateMetaData(ctx, metaData)
}

func (m *Membership) Leave(ctx context.Context) error {
	return m.membership.Leave(ctx)
}

// Manager translates between raw provider records and drift members.
type Manager struct {
	Provider Provider
	Logger   *zap.Logger
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m *Manager) Join(ctx context.Context, data *Member) (*Membership, error) {
	metaData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	membership, err := m.Provider.Join(ctx, data.MemberID, metaData)
	if err != nil {
		return nil, err
	}

	return &Membership{
		membership: membership,
	}, nil
}

// procSnapshot keeps members whose metadata fails to decode rather than
// dropping them, so one corrupt record cannot hide a live instance.
func (m *Manager) procSnapshot(snapshot *ProviderSnapshot) *Snapshot {
	members := make([]*Member, 0, len(snapshot.Members))
	for _, providerMember := range snapshot.Members {
		member := &Member{}
		err := json.Unmarshal(providerMember.MetaData, member)
		if err != nil {
			m.logger().Error("failed to decode instance registry record",
				zap.Error(err),
				zap.String("memberID", providerMember.MemberID))
			*member = Member{}
		}

		member.MemberID = providerMember.MemberID
		members = append(members, member)
	}

	return &Snapshot{
		Revision: snapshot.Revision,
		Members:  members,
	}
}

func (m *Manager) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	providerCh, err := m.Provider.Watch(ctx)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan *Snapshot)
	go func() {
		for providerSnapshot := range providerCh {
			outputCh <- m.procSnapshot(providerSnapshot)
		}
		close(outputCh)
	}()

	return outputCh, nil
}

func (m *Manager) Get(ctx context.Context) (*Snapshot, error) {
	providerSnapshot, err := m.Provider.Get(ctx)
	if err != nil {
		return nil, err
	}

	return m.procSnapshot(providerSnapshot), nil
}
