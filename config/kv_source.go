package config

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/protogate/errors"
)

// DefaultTenantBucket is the KV bucket tenant configs live in.
const DefaultTenantBucket = "protogate_tenants"

// KVSource serves tenant configs stored as JSON values in a NATS KV bucket,
// one key per tenant id. The KV revision becomes the config version.
type KVSource struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewKVSource wraps an open bucket.
func NewKVSource(kv jetstream.KeyValue, logger *slog.Logger) *KVSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVSource{kv: kv, logger: logger.With("component", "kv-source", "bucket", kv.Bucket())}
}

func (s *KVSource) decode(entry jetstream.KeyValueEntry) (*TenantConfig, error) {
	cfg, err := decodeTenantJSON(entry.Value())
	if err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = entry.Key()
	}
	if cfg.ID != entry.Key() {
		return nil, errors.Configuration(entry.Key(), "record id does not match key "+cfg.ID)
	}
	cfg.Version = entry.Revision()
	return cfg, nil
}

// Get implements Source
func (s *KVSource) Get(ctx context.Context, tenantID string) (*TenantConfig, error) {
	entry, err := s.kv.Get(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, notFound(tenantID)
		}
		return nil, errors.WrapTransient(err, "KVSource", "Get", "read tenant "+tenantID)
	}
	return s.decode(entry)
}

// List implements Source. Records that fail validation are logged and
// skipped.
func (s *KVSource) List(ctx context.Context) ([]*TenantConfig, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVSource", "List", "list tenant keys")
	}
	sort.Strings(keys)

	out := make([]*TenantConfig, 0, len(keys))
	for _, key := range keys {
		cfg, err := s.Get(ctx, key)
		if err != nil {
			s.logger.Warn("Skipping tenant record", "tenant", key, "error", err)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Put writes a tenant config and returns its new revision.
func (s *KVSource) Put(ctx context.Context, cfg *TenantConfig) (uint64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return 0, errors.WrapInvalid(err, "KVSource", "Put", "encode tenant")
	}
	rev, err := s.kv.Put(ctx, cfg.ID, data)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVSource", "Put", "write tenant "+cfg.ID)
	}
	return rev, nil
}

// Watch implements Watcher with a KV watcher on all keys, updates only.
func (s *KVSource) Watch(ctx context.Context) (<-chan Event, error) {
	w, err := s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return nil, errors.WrapTransient(err, "KVSource", "Watch", "create KV watcher")
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				ev, ok := s.toEvent(entry)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *KVSource) toEvent(entry jetstream.KeyValueEntry) (Event, bool) {
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return Event{Type: EventDelete, TenantID: entry.Key()}, true
	default:
		cfg, err := s.decode(entry)
		if err != nil {
			s.logger.Warn("Ignoring invalid tenant update", "tenant", entry.Key(), "revision", entry.Revision(), "error", err)
			return Event{}, false
		}
		return Event{Type: EventPut, TenantID: cfg.ID, Config: cfg}, true
	}
}
