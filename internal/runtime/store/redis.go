package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// keyPrefix scopes every gateway key inside a shared Valkey database.
// Layout: offgate:<namespace>:<entry-key>. Namespace names never contain
// colons (rejected on write), so the entry key is everything after the
// second separator.
const keyPrefix = "offgate:"

const scanBatch = 256

// RedisTLSConfig mirrors the TLS settings for the Valkey backend.
type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig carries the Valkey connection settings for NewRedis.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisStore struct {
	client valkey.Client
}

// NewRedis connects to Valkey and verifies the connection before returning a
// persistent namespace store backed by it.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	return &redisStore{client: client}, nil
}

func redisKey(namespace, key string) string {
	return keyPrefix + namespace + ":" + key
}

func (s *redisStore) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(redisKey(namespace, key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("store: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("store: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *redisStore) Put(ctx context.Context, namespace, key string, entry Entry) error {
	if strings.Contains(namespace, ":") {
		return fmt.Errorf("store: namespace %q may not contain colons", namespace)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: redis marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(redisKey(namespace, key)).Value(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(redisKey(namespace, key)).Build()).Error(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

func (s *redisStore) ListNamespaces(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.scan(ctx, keyPrefix+"*", func(raw string) error {
		rest := strings.TrimPrefix(raw, keyPrefix)
		if idx := strings.Index(rest, ":"); idx > 0 {
			seen[rest[:idx]] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) DeleteNamespace(ctx context.Context, namespace string) error {
	var keys []string
	err := s.scan(ctx, keyPrefix+namespace+":*", func(raw string) error {
		keys = append(keys, raw)
		return nil
	})
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		cmd := s.client.B().Del().Key(keys[start:end]...).Build()
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return fmt.Errorf("store: redis del namespace: %w", err)
		}
	}
	return nil
}

func (s *redisStore) ListEntries(ctx context.Context, namespace string) (map[string]Entry, error) {
	prefix := keyPrefix + namespace + ":"
	out := make(map[string]Entry)
	err := s.scan(ctx, prefix+"*", func(raw string) error {
		resp := s.client.Do(ctx, s.client.B().Get().Key(raw).Build())
		if err := resp.Error(); err != nil {
			// Raced with a delete; absence is not an error.
			if errors.Is(err, valkey.Nil) {
				return nil
			}
			return fmt.Errorf("store: redis get: %w", err)
		}
		payload, err := resp.AsBytes()
		if err != nil {
			return fmt.Errorf("store: redis get bytes: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("store: redis unmarshal: %w", err)
		}
		out[strings.TrimPrefix(raw, prefix)] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *redisStore) Count(ctx context.Context, namespace string) (int, error) {
	count := 0
	err := s.scan(ctx, keyPrefix+namespace+":*", func(string) error {
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (s *redisStore) scan(ctx context.Context, match string, fn func(key string) error) error {
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(match).Count(scanBatch).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("store: redis scan: %w", err)
		}
		for _, key := range entry.Elements {
			if err := fn(key); err != nil {
				return err
			}
		}
		if entry.Cursor == 0 {
			return nil
		}
		cursor = entry.Cursor
	}
}
