// Package etcd registers service instances in etcd under a leased key.
package etcd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/kart-io/logger"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

// Instance is the value stored for each registered instance.
type Instance struct {
	Name     string            `json:"name"`
	Addr     string            `json:"addr"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Registrar keeps one instance registered while the lease is kept alive.
type Registrar struct {
	client   *clientv3.Client
	prefix   string
	ttl      int64
	instance Instance

	leaseID  clientv3.LeaseID
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRegistrar creates a new Registrar.
func NewRegistrar(client *clientv3.Client, prefix string, ttl int64, instance Instance) *Registrar {
	return &Registrar{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		instance: instance,
		stopCh:   make(chan struct{}),
	}
}

// InstanceKey returns <prefix>/<name>/<id>, where id is derived from the address.
func InstanceKey(prefix string, inst Instance) string {
	sum := sha256.Sum256([]byte(inst.Addr))
	return path.Join(prefix, inst.Name, hex.EncodeToString(sum[:8]))
}

// Key returns the key this registrar writes.
func (r *Registrar) Key() string {
	return InstanceKey(r.prefix, r.instance)
}

// Register writes the instance record bound to a fresh lease and keeps the
// lease alive until Close.
func (r *Registrar) Register(ctx context.Context) error {
	value, err := json.Marshal(r.instance)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = lease.ID

	if _, err := r.client.Put(ctx, r.Key(), string(value), clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	ch, err := r.client.KeepAlive(context.Background(), r.leaseID)
	if err != nil {
		return fmt.Errorf("failed to keep alive lease: %w", err)
	}
	go func() {
		for {
			select {
			case <-r.stopCh:
				return
			case _, ok := <-ch:
				if !ok {
					logger.Warnw("etcd keepalive channel closed", "key", r.Key())
					return
				}
			}
		}
	}()

	logger.Infow("Service registered to etcd",
		"key", r.Key(),
		"addr", r.instance.Addr,
		"ttl", r.ttl,
	)
	return nil
}

// Close revokes the lease, which removes the instance key.
func (r *Registrar) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.leaseID == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
			logger.Warnw("Failed to revoke etcd lease", "error", err)
			return
		}
		logger.Info("Service deregistered from etcd")
	})
}
