package clustering

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const minEtcdLeasePeriod = 5 * time.Second

type EtcdProviderOptions struct {
	Logger *zap.Logger

	EtcdClient *clientv3.Client

	// KeyPrefix is the etcd key space the registry lives under.
	KeyPrefix string

	// LeasePeriod bounds how long a crashed instance lingers in the
	// registry. Minimum of 5 seconds.
	LeasePeriod time.Duration
}

// EtcdProvider keeps membership in etcd. Each member is one key under the
// prefix, bound to a lease that the provider keeps alive until Leave.
type EtcdProvider struct {
	logger      *zap.Logger
	etcdClient  *clientv3.Client
	keyPrefix   string
	leasePeriod time.Duration
}

var _ Provider = (*EtcdProvider)(nil)

func NewEtcdProvider(opts EtcdProviderOptions) (*EtcdProvider, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("must specify an etcd client for the provider")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	leasePeriod := opts.LeasePeriod
	if leasePeriod == 0 {
		leasePeriod = minEtcdLeasePeriod
	} else if leasePeriod < minEtcdLeasePeriod {
		return nil, errors.New("lease period must be at least 5 seconds")
	}

	keyPrefix := strings.TrimRight(opts.KeyPrefix, "/")
	if keyPrefix == "" {
		keyPrefix = "/drift/instances"
	}

	return &EtcdProvider{
		logger:      logger,
		etcdClient:  opts.EtcdClient,
		keyPrefix:   keyPrefix,
		leasePeriod: leasePeriod,
	}, nil
}

func (p *EtcdProvider) memberKey(memberID string) string {
	return p.keyPrefix + "/" + memberID
}

func (p *EtcdProvider) Join(ctx context.Context, memberID string, metaData []byte) (ProviderMembership, error) {
	if memberID == "" {
		memberID = uuid.NewString()
	}

	leaseSecs := int64(p.leasePeriod / time.Second)
	lease, err := p.etcdClient.Lease.Grant(ctx, leaseSecs)
	if err != nil {
		return nil, err
	}

	// The keep-alive runs on the background context so the lease outlives
	// the Join call itself.
	kaCh, err := p.etcdClient.Lease.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return nil, err
	}

	go func() {
		for range kaCh {
		}
	}()

	membership := &etcdMembership{
		provider: p,
		key:      p.memberKey(memberID),
		leaseID:  lease.ID,
	}

	err = membership.UpdateMetaData(ctx, metaData)
	if err != nil {
		_, _ = p.etcdClient.Lease.Revoke(ctx, lease.ID)
		return nil, err
	}

	return membership, nil
}

func (p *EtcdProvider) Get(ctx context.Context) (*ProviderSnapshot, error) {
	resp, err := p.etcdClient.KV.Get(ctx, p.keyPrefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	keyMap := make(map[string][]byte)
	for _, kv := range resp.Kvs {
		keyMap[string(kv.Key)] = kv.Value
	}

	return p.snapshotFromKeyMap(resp.Header.Revision, keyMap), nil
}

func (p *EtcdProvider) Watch(ctx context.Context) (<-chan *ProviderSnapshot, error) {
	prefix := p.keyPrefix + "/"

	resp, err := p.etcdClient.KV.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	keyMap := make(map[string][]byte)
	for _, kv := range resp.Kvs {
		keyMap[string(kv.Key)] = kv.Value
	}
	revision := resp.Header.Revision

	outputCh := make(chan *ProviderSnapshot, 1)
	outputCh <- p.snapshotFromKeyMap(revision, keyMap)

	watchCh := p.etcdClient.Watcher.Watch(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithRev(revision+1))

	go func() {
		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				p.logger.Warn("instance registry watch failed", zap.Error(err))
				break
			}

			for _, event := range watchResp.Events {
				switch event.Type {
				case mvccpb.PUT:
					keyMap[string(event.Kv.Key)] = event.Kv.Value
				case mvccpb.DELETE:
					delete(keyMap, string(event.Kv.Key))
				}
			}

			revision = watchResp.Header.Revision
			outputCh <- p.snapshotFromKeyMap(revision, keyMap)
		}

		close(outputCh)
	}()

	return outputCh, nil
}

func (p *EtcdProvider) snapshotFromKeyMap(revision int64, keyMap map[string][]byte) *ProviderSnapshot {
	members := make([]*ProviderMember, 0, len(keyMap))
	for key, value := range keyMap {
		members = append(members, &ProviderMember{
			MemberID: strings.TrimPrefix(key, p.keyPrefix+"/"),
			MetaData: value,
		})
	}

	return &ProviderSnapshot{
		Revision: revision,
		Members:  members,
	}
}

type etcdMembership struct {
	provider *EtcdProvider
	key      string
	leaseID  clientv3.LeaseID
	left     atomic.Bool
}

var _ ProviderMembership = (*etcdMembership)(nil)

func (m *etcdMembership) UpdateMetaData(ctx context.Context, metaData []byte) error {
	if m.left.Load() {
		return ErrAlreadyLeft
	}

	_, err := m.provider.etcdClient.KV.Put(ctx, m.key, string(metaData),
		clientv3.WithLease(m.leaseID))
	return err
}

// Leave revokes the lease, which deletes the member key along with it.
func (m *etcdMembership) Leave(ctx context.Context) error {
	if m.left.Swap(true) {
		return ErrAlreadyLeft
	}

	_, err := m.provider.etcdClient.Lease.Revoke(ctx, m.leaseID)
	return err
}
