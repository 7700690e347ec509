package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

const forecastRetention = 30 * 24 * time.Hour

// Store persists the per-cluster record and the forecaster's historical
// sample table, and owns the distributed lock for the cluster.
type Store struct {
	kv        KV
	clusterID string
	staleness time.Duration
	historyN  int
	now       func() time.Time
	log       logger.Logger
}

// Option tweaks store construction. Used by tests to inject a clock.
type Option func(*Store)

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds a store for one cluster. staleness is the lock recovery
// window; historyN bounds the metrics history length.
func NewStore(kv KV, clusterID string, staleness time.Duration, historyN int, log logger.Logger, opts ...Option) *Store {
	s := &Store{
		kv:        kv,
		clusterID: clusterID,
		staleness: staleness,
		historyN:  historyN,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stateKey() string   { return fmt.Sprintf("fleet:state:%s", s.clusterID) }
func (s *Store) lockKey() string    { return fmt.Sprintf("fleet:lock:%s", s.clusterID) }
func (s *Store) samplesKey() string { return fmt.Sprintf("fleet:samples:%s", s.clusterID) }

// GetState reads the cluster record, creating a default one (without
// persisting it) when absent. defaultNodes seeds node_count on first read.
func (s *Store) GetState(ctx context.Context, defaultNodes int) (*ClusterState, error) {
	raw, err := s.kv.Get(ctx, s.stateKey())
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	if raw == "" {
		s.log.Infof("no state for cluster %s, using defaults", s.clusterID)
		return &ClusterState{
			ClusterID: s.clusterID,
			NodeCount: defaultNodes,
		}, nil
	}

	var st ClusterState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

func (s *Store) putState(ctx context.Context, st *ClusterState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.kv.Set(ctx, s.stateKey(), string(raw)); err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

// UpdateNodeCount records the outcome of a scaling action: the new node
// count and the scale timestamp that drives cooldowns.
func (s *Store) UpdateNodeCount(ctx context.Context, nodeCount, defaultNodes int) error {
	st, err := s.GetState(ctx, defaultNodes)
	if err != nil {
		return err
	}
	st.NodeCount = nodeCount
	st.LastScaleTime = s.now().Unix()
	if err := s.putState(ctx, st); err != nil {
		return err
	}
	s.log.Infof("state updated: node_count=%d", nodeCount)
	return nil
}

// AppendSnapshot pushes a reading onto the rolling history, evicting the
// oldest entry beyond the configured bound.
func (s *Store) AppendSnapshot(ctx context.Context, snap MetricSnapshot, defaultNodes int) error {
	st, err := s.GetState(ctx, defaultNodes)
	if err != nil {
		return err
	}
	st.MetricsHistory = append(st.MetricsHistory, snap)
	if len(st.MetricsHistory) > s.historyN {
		st.MetricsHistory = st.MetricsHistory[len(st.MetricsHistory)-s.historyN:]
	}
	return s.putState(ctx, st)
}

// AcquireLock takes the cluster lock with a single conditional write. It
// succeeds when no lock exists or the existing lock is older than the
// staleness window (the prior holder is presumed crashed; the lock is
// force-released and acquisition retried exactly once). A held, fresh lock
// yields (false, nil): the caller skips its turn.
//
// Staleness recovery is a heuristic, not consensus. Two schedulers with
// skewed clocks can both under- and over-recover; invocations re-derive the
// node count from live metrics, which bounds the damage.
func (s *Store) AcquireLock(ctx context.Context) (bool, error) {
	now := s.now().Unix()
	acquired, err := s.kv.SetNX(ctx, s.lockKey(), strconv.FormatInt(now, 10))
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if acquired {
		s.stampLock(ctx, now, true)
		s.log.Infof("lock acquired for cluster %s", s.clusterID)
		return true, nil
	}

	raw, err := s.kv.Get(ctx, s.lockKey())
	if err != nil {
		return false, fmt.Errorf("inspect held lock: %w", err)
	}
	heldSince, _ := strconv.ParseInt(raw, 10, 64)
	if raw == "" || now-heldSince > int64(s.staleness.Seconds()) {
		s.log.Warnf("lock for cluster %s is stale (held since %d), forcing release", s.clusterID, heldSince)
		if err := s.kv.Del(ctx, s.lockKey()); err != nil {
			return false, fmt.Errorf("force release stale lock: %w", err)
		}
		acquired, err = s.kv.SetNX(ctx, s.lockKey(), strconv.FormatInt(now, 10))
		if err != nil {
			return false, fmt.Errorf("reacquire after stale release: %w", err)
		}
		if acquired {
			s.stampLock(ctx, now, true)
			s.log.Infof("lock acquired for cluster %s after stale recovery", s.clusterID)
		}
		return acquired, nil
	}

	s.log.Warnf("lock already held for cluster %s", s.clusterID)
	return false, nil
}

// ReleaseLock unconditionally clears the lock and stamps the release time.
func (s *Store) ReleaseLock(ctx context.Context) error {
	if err := s.kv.Del(ctx, s.lockKey()); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	s.stampLock(ctx, 0, false)
	s.log.Infof("lock released for cluster %s", s.clusterID)
	return nil
}

// stampLock mirrors lock bookkeeping into the state record. The lock key is
// the authority; the record fields are informational.
func (s *Store) stampLock(ctx context.Context, acquiredAt int64, held bool) {
	st, err := s.GetState(ctx, 0)
	if err != nil {
		s.log.Warnf("could not stamp lock state: %v", err)
		return
	}
	st.LockHeld = held
	if held {
		st.LockAcquiredAt = acquiredAt
		st.LockExpiry = acquiredAt + int64(s.staleness.Seconds())
	} else {
		st.LockReleasedAt = s.now().Unix()
	}
	if err := s.putState(ctx, st); err != nil {
		s.log.Warnf("could not stamp lock state: %v", err)
	}
}

// StoreSample appends a forecast sample to the historical table and prunes
// entries past the retention horizon.
func (s *Store) StoreSample(ctx context.Context, sample ForecastSample) error {
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	if err := s.kv.ZAdd(ctx, s.samplesKey(), float64(sample.Timestamp), string(raw)); err != nil {
		return fmt.Errorf("store sample: %w", err)
	}

	cutoff := s.now().Add(-forecastRetention).Unix()
	if err := s.kv.ZRemRangeByScore(ctx, s.samplesKey(), 0, float64(cutoff)); err != nil {
		s.log.Warnf("failed to prune old samples: %v", err)
	}
	return nil
}

// Samples returns the historical samples within the lookback window,
// oldest first.
func (s *Store) Samples(ctx context.Context, lookback time.Duration) ([]ForecastSample, error) {
	cutoff := s.now().Add(-lookback).Unix()
	raws, err := s.kv.ZRangeByScore(ctx, s.samplesKey(), float64(cutoff), float64(s.now().Unix()))
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}

	samples := make([]ForecastSample, 0, len(raws))
	for _, raw := range raws {
		var sample ForecastSample
		if err := json.Unmarshal([]byte(raw), &sample); err != nil {
			s.log.Warnf("skipping malformed sample: %v", err)
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
