package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parcelview/sitewatch/util/logger"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

const (
	DefaultPrefix   = "/sitewatch"
	GatewayLeaseTTL = 15 // seconds
)

// Manager announces this gateway instance to etcd and tracks the other live
// instances. Each gateway registers its advertise address under
// "<prefix>/gateways/" with a leased key; the lease keepalive stops when the
// process dies, so the key expires and peers drop it from their lists.
type Manager struct {
	client      *clientv3.Client
	endpoints   []string
	logger      *logger.Logger
	prefix      string
	leaseID     clientv3.LeaseID
	registered  string // the advertise address that was registered
	gateways    map[string]bool
	gatewaysMu  sync.RWMutex
	watchCancel context.CancelFunc
	watchBegun  bool
}

// NewManager creates a presence manager. If prefix is empty, DefaultPrefix
// is used. The prefix lets multiple sitewatch environments share one etcd.
func NewManager(endpoints []string, prefix string) (*Manager, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Manager{
		endpoints: endpoints,
		logger:    logger.NewLogger("Presence"),
		prefix:    prefix,
		gateways:  make(map[string]bool),
	}, nil
}

// Connect establishes the etcd client connection
func (m *Manager) Connect() error {
	m.logger.Infof("Connecting to etcd at %v", m.endpoints)

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   m.endpoints,
		DialTimeout: 5 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}

	m.client = cli
	m.logger.Infof("Created etcd client to %v", m.endpoints)
	return nil
}

// Close stops watching and closes the etcd connection
func (m *Manager) Close() error {
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}

	if m.client != nil {
		m.logger.Infof("Closing etcd connection")
		err := m.client.Close()
		m.client = nil
		return err
	}
	return nil
}

// GatewaysPrefix returns the etcd key prefix gateway registrations live under.
func (m *Manager) GatewaysPrefix() string {
	return m.prefix + "/gateways/"
}

// Register announces this gateway's advertise address under a leased key and
// keeps the lease alive until ctx is cancelled.
func (m *Manager) Register(ctx context.Context, advertiseAddr string) error {
	if m.client == nil {
		return fmt.Errorf("etcd client not connected")
	}

	if m.registered != "" {
		if m.registered != advertiseAddr {
			return fmt.Errorf("gateway already registered as %s, cannot register %s", m.registered, advertiseAddr)
		}
		m.logger.Debugf("Gateway %s already registered, skipping", advertiseAddr)
		return nil
	}

	lease, err := m.client.Grant(ctx, GatewayLeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	m.leaseID = lease.ID

	key := m.GatewaysPrefix() + advertiseAddr
	if _, err := m.client.Put(ctx, key, advertiseAddr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register gateway: %w", err)
	}
	m.registered = advertiseAddr

	m.logger.Infof("Registered gateway %s with lease ID %d", advertiseAddr, lease.ID)

	keepAliveCh, err := m.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep alive lease: %w", err)
	}

	go func() {
		for {
			select {
			case ka, ok := <-keepAliveCh:
				if !ok {
					m.logger.Warnf("Keep-alive channel closed for lease %d", lease.ID)
					return
				}
				if ka != nil {
					m.logger.Debugf("Keep-alive response for lease %d, TTL: %d", ka.ID, ka.TTL)
				}
			case <-ctx.Done():
				m.logger.Infof("Context cancelled, stopping keep-alive for lease %d", lease.ID)
				return
			}
		}
	}()

	return nil
}

// Unregister revokes the lease and removes this gateway's key
func (m *Manager) Unregister(ctx context.Context) error {
	if m.client == nil || m.registered == "" {
		return nil
	}

	if m.leaseID != 0 {
		if _, err := m.client.Revoke(ctx, m.leaseID); err != nil {
			m.logger.Warnf("Failed to revoke lease: %v", err)
		}
		m.leaseID = 0
	}

	key := m.GatewaysPrefix() + m.registered
	if _, err := m.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to unregister gateway: %w", err)
	}

	m.logger.Infof("Unregistered gateway %s", m.registered)
	m.registered = ""
	return nil
}

// WatchGateways seeds the peer list and keeps it current from etcd events
func (m *Manager) WatchGateways(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	if m.watchBegun {
		m.logger.Warnf("Watch already started")
		return nil
	}

	resp, err := m.client.Get(ctx, m.GatewaysPrefix(), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to get initial gateways: %w", err)
	}

	m.gatewaysMu.Lock()
	for _, kv := range resp.Kvs {
		m.gateways[string(kv.Value)] = true
	}
	m.gatewaysMu.Unlock()

	m.logger.Infof("Initialized with %d gateways", len(resp.Kvs))

	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel

	watchChan := m.client.Watch(watchCtx, m.GatewaysPrefix(),
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision))

	go func() {
		m.logger.Infof("Watching gateways at prefix %s", m.GatewaysPrefix())
		for {
			select {
			case <-watchCtx.Done():
				m.logger.Infof("Gateway watch stopped")
				return
			case watchResp, ok := <-watchChan:
				if !ok {
					m.logger.Warnf("Watch channel closed")
					return
				}
				if watchResp.Err() != nil {
					m.logger.Errorf("Watch error: %v", watchResp.Err())
					continue
				}

				for _, event := range watchResp.Events {
					m.gatewaysMu.Lock()
					switch event.Type {
					case clientv3.EventTypePut:
						addr := string(event.Kv.Value)
						m.gateways[addr] = true
						m.logger.Infof("Gateway added: %s", addr)
					case clientv3.EventTypeDelete:
						key := string(event.Kv.Key)
						addr := key[len(m.GatewaysPrefix()):]
						delete(m.gateways, addr)
						m.logger.Infof("Gateway removed: %s", addr)
					}
					m.gatewaysMu.Unlock()
				}
			}
		}
	}()

	m.watchBegun = true
	return nil
}

// Peers returns a copy of the currently known gateway addresses
func (m *Manager) Peers() []string {
	m.gatewaysMu.RLock()
	defer m.gatewaysMu.RUnlock()

	peers := make([]string, 0, len(m.gateways))
	for addr := range m.gateways {
		peers = append(peers, addr)
	}
	return peers
}
