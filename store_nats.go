package callcache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsEnvelopeMarker = "callcache-v1"
	natsMaxCASAttempts = 16
)

// NATSKeyValue captures the subset of nats.KeyValue used by the store.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Create(key string, value []byte) (uint64, error)
	Update(key string, value []byte, last uint64) (uint64, error)
	Purge(key string, opts ...nats.DeleteOpt) error
	ListKeys(opts ...nats.WatchOpt) (nats.KeyLister, error)
}

type natsStore struct {
	kv     NATSKeyValue
	conn   *nats.Conn
	prefix string
}

// natsEnvelope wraps every stored value. Scalars use Value; lists use List.
type natsEnvelope struct {
	Marker    string   `json:"m"`
	Value     []byte   `json:"v,omitempty"`
	List      [][]byte `json:"l,omitempty"`
	IsList    bool     `json:"il,omitempty"`
	ExpiresAt int64    `json:"ea,omitempty"`
}

func newNATSStore(kv NATSKeyValue, prefix string) *natsStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &natsStore{
		kv:     kv,
		prefix: prefix,
	}
}

// dialNATS connects to cfg.NATSURL and opens (or creates) the configured bucket.
func dialNATS(cfg StoreConfig) (Store, error) {
	if cfg.NATSURL == "" {
		return nil, fmt.Errorf("nats driver requires a key-value bucket or url: %w", ErrStoreUnavailable)
	}
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	kv, err := js.KeyValue(cfg.NATSBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: cfg.NATSBucket, History: 1})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open nats bucket %q: %w", cfg.NATSBucket, err)
	}
	store := newNATSStore(kv, cfg.Prefix)
	store.conn = nc
	return store, nil
}

func (s *natsStore) Driver() Driver { return DriverNATS }

func (s *natsStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.kv == nil {
		return nil, false, ErrStoreUnavailable
	}
	envelope, _, ok, err := s.load(s.storeKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	if envelope.IsList {
		return nil, false, fmt.Errorf("nats key %q holds a list", key)
	}
	return cloneBytes(envelope.Value), true, nil
}

func (s *natsStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.kv == nil {
		return ErrStoreUnavailable
	}
	body, err := encodeNATSEnvelope(natsEnvelope{Value: cloneBytes(value), ExpiresAt: expiresAt(ttl)})
	if err != nil {
		return err
	}
	_, err = s.kv.Put(s.storeKey(key), body)
	return err
}

func (s *natsStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	if s.kv == nil {
		return 0, ErrStoreUnavailable
	}
	var next int64
	err := s.update(s.storeKey(key), func(envelope natsEnvelope, exists bool) (natsEnvelope, error) {
		current := int64(0)
		if exists {
			if envelope.IsList {
				return envelope, fmt.Errorf("nats key %q: %w", key, ErrNotNumeric)
			}
			n, err := strconv.ParseInt(string(envelope.Value), 10, 64)
			if err != nil {
				return envelope, fmt.Errorf("nats key %q: %w", key, ErrNotNumeric)
			}
			current = n
		}
		next = current + delta
		envelope.Value = []byte(strconv.FormatInt(next, 10))
		return envelope, nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *natsStore) Append(_ context.Context, key string, value []byte) (int64, error) {
	if s.kv == nil {
		return 0, ErrStoreUnavailable
	}
	var length int64
	err := s.update(s.storeKey(key), func(envelope natsEnvelope, exists bool) (natsEnvelope, error) {
		if exists && !envelope.IsList {
			return envelope, fmt.Errorf("nats key %q does not hold a list", key)
		}
		envelope.IsList = true
		envelope.List = append(envelope.List, cloneBytes(value))
		length = int64(len(envelope.List))
		return envelope, nil
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}

func (s *natsStore) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	if s.kv == nil {
		return nil, ErrStoreUnavailable
	}
	envelope, _, ok, err := s.load(s.storeKey(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][]byte{}, nil
	}
	if !envelope.IsList {
		return nil, fmt.Errorf("nats key %q does not hold a list", key)
	}
	return sliceRange(envelope.List, start, stop), nil
}

func (s *natsStore) Flush(_ context.Context) error {
	if s.kv == nil {
		return ErrStoreUnavailable
	}
	lister, err := s.kv.ListKeys(nats.IgnoreDeletes())
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	defer func() { _ = lister.Stop() }()

	scopePrefix := s.scopePrefix()
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, scopePrefix) {
			continue
		}
		if err := s.kv.Purge(key); err != nil && !isNATSMiss(err) {
			return err
		}
	}
	for err := range lister.Error() {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *natsStore) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn.Close()
	return err
}

// load returns the live envelope and its revision; expired entries read as missing.
func (s *natsStore) load(storeKey string) (natsEnvelope, uint64, bool, error) {
	entry, err := s.kv.Get(storeKey)
	if isNATSMiss(err) {
		return natsEnvelope{}, 0, false, nil
	}
	if err != nil {
		return natsEnvelope{}, 0, false, err
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return natsEnvelope{}, 0, false, nil
	}
	envelope, err := decodeNATSEnvelope(entry.Value())
	if err != nil {
		return natsEnvelope{}, 0, false, err
	}
	if isExpired(envelope.ExpiresAt) {
		return natsEnvelope{}, entry.Revision(), false, nil
	}
	return envelope, entry.Revision(), true, nil
}

// update applies fn under revision compare-and-swap, retrying on conflicts.
func (s *natsStore) update(storeKey string, fn func(natsEnvelope, bool) (natsEnvelope, error)) error {
	for attempt := 0; attempt < natsMaxCASAttempts; attempt++ {
		envelope, revision, exists, err := s.load(storeKey)
		if err != nil {
			return err
		}
		if !exists {
			envelope = natsEnvelope{}
		}
		envelope, err = fn(envelope, exists)
		if err != nil {
			return err
		}
		body, err := encodeNATSEnvelope(envelope)
		if err != nil {
			return err
		}
		if revision == 0 {
			_, err = s.kv.Create(storeKey, body)
		} else {
			_, err = s.kv.Update(storeKey, body, revision)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, nats.ErrKeyExists) || isNATSMiss(err) {
			continue
		}
		return err
	}
	return errors.New("nats update exceeded retry limit")
}

func (s *natsStore) storeKey(key string) string {
	return s.scopePrefix() + encodeNATSKeyPart(key)
}

func (s *natsStore) scopePrefix() string {
	return "p." + encodeNATSKeyPart(s.prefix) + ".k."
}

func encodeNATSEnvelope(envelope natsEnvelope) ([]byte, error) {
	envelope.Marker = natsEnvelopeMarker
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal nats envelope: %w", err)
	}
	return body, nil
}

func decodeNATSEnvelope(body []byte) (natsEnvelope, error) {
	var envelope natsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return natsEnvelope{}, fmt.Errorf("decode nats envelope: %w", err)
	}
	if envelope.Marker != natsEnvelopeMarker {
		return natsEnvelope{}, fmt.Errorf("decode nats envelope: unexpected marker %q", envelope.Marker)
	}
	return envelope, nil
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

// encodeNATSKeyPart keeps arbitrary keys (URLs, colons) within the NATS key alphabet.
func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}
