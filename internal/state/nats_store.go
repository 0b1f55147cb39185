package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetmon/internal/config"
	"fleetmon/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists rule state in JetStream KV buckets.
// Params: NATS connection, JetStream context, and KV bucket handles.
// Returns: KV-backed state store implementation.
type NATSStore struct {
	nc                *nats.Conn
	js                nats.JetStreamContext
	tickKV            nats.KeyValue
	dataKV            nats.KeyValue
	tickSubjectPrefix string
}

// NewNATSStore creates KV buckets and returns NATS state backend.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.StateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	dataBucket := settings.Bucket
	tickBucket := settings.Bucket + "_grace"

	dataKV, err := openBucket(js, dataBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	tickKV, err := openBucket(js, tickBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := enableBucketPerMessageTTL(js, tickBucket); err != nil {
		nc.Close()
		return nil, fmt.Errorf("enable per-message ttl on grace bucket: %w", err)
	}

	return &NATSStore{
		nc:                nc,
		js:                js,
		tickKV:            tickKV,
		dataKV:            dataKV,
		tickSubjectPrefix: "$KV." + tickBucket + ".",
	}, nil
}

// openBucket opens one KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, and create permission.
// Returns: bucket handle or setup error.
func openBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// enableBucketPerMessageTTL ensures underlying KV stream allows Nats-TTL header.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func enableBucketPerMessageTTL(js nats.JetStreamContext, bucket string) error {
	streamName := "KV_" + bucket
	info, err := js.StreamInfo(streamName)
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = 5 * time.Minute
	}
	_, err = js.UpdateStream(&cfg)
	return err
}

// RefreshGraceTick creates or updates grace tick entry for state key.
// Params: state key, freeze timestamp, and grace TTL.
// Returns: publish error.
func (s *NATSStore) RefreshGraceTick(_ context.Context, key string, frozenAt time.Time, ttl time.Duration) error {
	ttlMS := ttl.Milliseconds()
	payload := buildTickPayload(frozenAt.UnixMilli(), ttlMS)
	msg := nats.NewMsg(s.tickSubjectPrefix + key)
	msg.Data = payload
	if ttl > 0 {
		msg.Header = nats.Header{
			"Nats-TTL": []string{strconv.FormatInt(ttlMS, 10) + "ms"},
		}
	}
	if _, err := s.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish grace tick: %w", err)
	}
	return nil
}

// buildTickPayload encodes lightweight tick metadata without reflective map encoding.
// Params: freeze time unix ms and ttl ms.
// Returns: compact JSON payload for KV value.
func buildTickPayload(frozenAtUnixMS, ttlMS int64) []byte {
	payload := make([]byte, 0, 64)
	payload = append(payload, `{"frozen_at_unix_ms":`...)
	payload = strconv.AppendInt(payload, frozenAtUnixMS, 10)
	payload = append(payload, `,"ttl_ms":`...)
	payload = strconv.AppendInt(payload, ttlMS, 10)
	payload = append(payload, '}')
	return payload
}

// HasGraceTick checks whether grace tick key currently exists.
// Params: state key.
// Returns: true when tick key exists.
func (s *NATSStore) HasGraceTick(_ context.Context, key string) (bool, error) {
	if _, err := s.tickKV.Get(key); err != nil {
		if err == nats.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get reads one state entry and its KV revision.
// Params: state key.
// Returns: state payload, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, key string) (domain.RuleState, uint64, error) {
	entry, err := s.dataKV.Get(key)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return domain.RuleState{}, 0, ErrNotFound
		}
		return domain.RuleState{}, 0, fmt.Errorf("get state: %w", err)
	}

	var st domain.RuleState
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return domain.RuleState{}, 0, fmt.Errorf("decode state: %w", err)
	}
	return st, entry.Revision(), nil
}

// Create writes state payload only when the key does not exist yet.
// Params: state key and payload.
// Returns: new KV revision, or ErrConflict when another writer created the key.
func (s *NATSStore) Create(_ context.Context, key string, st domain.RuleState) (uint64, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	rev, err := s.dataKV.Create(key, body)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("create state: %w", err)
	}
	return rev, nil
}

// Put writes state payload unconditionally.
// Params: state key and payload.
// Returns: new KV revision.
func (s *NATSStore) Put(_ context.Context, key string, st domain.RuleState) (uint64, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	rev, err := s.dataKV.Put(key, body)
	if err != nil {
		return 0, fmt.Errorf("put state: %w", err)
	}
	return rev, nil
}

// Update updates state payload using expected revision CAS.
// Params: state key, expected revision, and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, key string, expectedRevision uint64, st domain.RuleState) (uint64, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	rev, err := s.dataKV.Update(key, body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update state: %w", err)
	}
	return rev, nil
}

// Delete deletes state and corresponding grace tick key.
// Params: state key.
// Returns: delete error.
func (s *NATSStore) Delete(_ context.Context, key string) error {
	if err := s.dataKV.Delete(key); err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("delete state: %w", err)
	}
	if err := s.tickKV.Delete(key); err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("delete grace tick: %w", err)
	}
	return nil
}

// ListKeysByRule lists keys in one rule namespace.
// Params: rule ID namespace.
// Returns: matching keys from data bucket.
func (s *NATSStore) ListKeysByRule(_ context.Context, ruleID string) ([]string, error) {
	keys, err := s.dataKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	prefix := domain.StateKeyRulePrefix(ruleID)
	out := make([]string, 0)
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
