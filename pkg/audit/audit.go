// Audit trail of scaling events, persisted in etcd with a bounded
// retention window.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

const retentionSeconds = 30 * 24 * 60 * 60

// Event is one recorded state transition.
type Event struct {
	Timestamp    string `json:"timestamp"`
	ClusterID    string `json:"cluster_id"`
	InvocationID string `json:"invocation_id"`
	Action       string `json:"action"`
	Reason       string `json:"reason"`
	OldNodeCount int    `json:"old_node_count"`
	NewNodeCount int    `json:"new_node_count"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
	Close() error
}

// EtcdRecorder writes one key per event under an etcd lease so records
// expire after the retention window.
type EtcdRecorder struct {
	cli *clientv3.Client
	log logger.Logger
}

func NewEtcdRecorder(endpoints []string, dialTimeout time.Duration, log logger.Logger) (*EtcdRecorder, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	log.Infof("connected to etcd at %v", endpoints)
	return &EtcdRecorder{cli: cli, log: log}, nil
}

// Record stores the event. Audit failures are reported to the caller but
// should not fail a completed scaling action; callers log and move on.
func (r *EtcdRecorder) Record(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	grant, err := r.cli.Grant(ctx, retentionSeconds)
	if err != nil {
		return fmt.Errorf("grant audit lease: %w", err)
	}

	key := fmt.Sprintf("fleet:audit:%s:%s", event.ClusterID, event.InvocationID)
	if _, err := r.cli.Put(ctx, key, string(value), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("put audit event: %w", err)
	}

	r.log.Debugf("audit event recorded: %s", key)
	return nil
}

// Events returns the recorded events for a cluster, unordered.
func (r *EtcdRecorder) Events(ctx context.Context, clusterID string) ([]Event, error) {
	prefix := fmt.Sprintf("fleet:audit:%s:", clusterID)
	resp, err := r.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get audit events: %w", err)
	}

	events := make([]Event, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var event Event
		if err := json.Unmarshal(kv.Value, &event); err != nil {
			r.log.Warnf("skipping malformed audit event: %v", err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (r *EtcdRecorder) Close() error {
	return r.cli.Close()
}

// NopRecorder discards events. Used when no etcd endpoints are configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) error { return nil }
func (NopRecorder) Close() error                        { return nil }
