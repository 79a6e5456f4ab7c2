package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/internal/util"
	"github.com/tokensmith/tokensmith/storage"
)

// Compile-time interface checks
var (
	_ storage.PersistedGrantStore = (*Store)(nil)
	_ storage.DeviceFlowStore     = (*Store)(nil)
)

// grantJSON is the wire representation of a persisted grant. ConsumedTime is
// omitted when unset so the consume script sees a missing field, not null.
type grantJSON struct {
	Key          string     `json:"key"`
	Type         string     `json:"type"`
	SubjectID    string     `json:"subject_id,omitempty"`
	ClientID     string     `json:"client_id"`
	SessionID    string     `json:"session_id,omitempty"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   time.Time  `json:"expiration"`
	ConsumedTime *time.Time `json:"consumed_time,omitempty"`
	Data         string     `json:"data"`
}

func toGrantJSON(g *tokensmith.PersistedGrant) *grantJSON {
	return &grantJSON{
		Key:          g.Key,
		Type:         g.Type,
		SubjectID:    g.SubjectID,
		ClientID:     g.ClientID,
		SessionID:    g.SessionID,
		CreationTime: g.CreationTime,
		Expiration:   g.Expiration,
		ConsumedTime: g.ConsumedTime,
		Data:         g.Data,
	}
}

func fromGrantJSON(j *grantJSON) *tokensmith.PersistedGrant {
	return &tokensmith.PersistedGrant{
		Key:          j.Key,
		Type:         j.Type,
		SubjectID:    j.SubjectID,
		ClientID:     j.ClientID,
		SessionID:    j.SessionID,
		CreationTime: j.CreationTime,
		Expiration:   j.Expiration,
		ConsumedTime: j.ConsumedTime,
		Data:         j.Data,
	}
}

// Store persists the grant, overwriting any grant with the same key
func (s *Store) Store(ctx context.Context, grant *tokensmith.PersistedGrant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("invalid grant")
	}

	data, err := json.Marshal(toGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	key := s.grantKey(grant.Key)
	cmd := s.client.B().Set().Key(key).Value(string(data))
	if ttl, ok := s.ttlFor(grant.Expiration, s.clock.Now()); ok {
		if err := s.client.Do(ctx, cmd.Ex(ttl).Build()).Error(); err != nil {
			return fmt.Errorf("failed to save grant: %w", err)
		}
	} else {
		if err := s.client.Do(ctx, cmd.Build()).Error(); err != nil {
			return fmt.Errorf("failed to save grant: %w", err)
		}
	}

	s.logger.Debug("Stored grant",
		"type", grant.Type,
		"key_prefix", util.SafeTruncate(grant.Key, keyLogLength))
	return nil
}

// Get returns the grant for the key, expired or not
func (s *Store) Get(ctx context.Context, key string) (*tokensmith.PersistedGrant, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.grantKey(key)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	var j grantJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return fromGrantJSON(&j), nil
}

// GetAll returns every grant matching the filter
func (s *Store) GetAll(ctx context.Context, filter tokensmith.GrantFilter) ([]*tokensmith.PersistedGrant, error) {
	var out []*tokensmith.PersistedGrant
	err := s.scanKeys(ctx, s.grantKey("*"), func(keys []string) error {
		for _, key := range keys {
			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if valkey.IsValkeyNil(err) {
					continue // expired between SCAN and GET
				}
				return fmt.Errorf("failed to get grant: %w", err)
			}
			var j grantJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Skipping undecodable grant", "key", util.SafeTruncate(key, keyLogLength))
				continue
			}
			grant := fromGrantJSON(&j)
			if filter.Matches(grant) {
				out = append(out, grant)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes the grant. Removing a missing key is a no-op success.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.grantKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

// RemoveAll deletes every grant matching the filter
func (s *Store) RemoveAll(ctx context.Context, filter tokensmith.GrantFilter) error {
	grants, err := s.GetAll(ctx, filter)
	if err != nil {
		return err
	}
	for _, grant := range grants {
		if err := s.Remove(ctx, grant.Key); err != nil {
			return err
		}
	}
	return nil
}

// Consume atomically marks the grant consumed via a server-side script, so
// exactly one concurrent caller succeeds even across instances.
func (s *Store) Consume(ctx context.Context, key string) (*tokensmith.PersistedGrant, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeGrant).
			Numkeys(1).
			Key(s.grantKey(key)).
			Arg(s.clock.Now().UTC().Format(time.RFC3339Nano)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrGrantNotFound
	case "ALREADY_CONSUMED":
		s.logger.Debug("Consume of already-consumed grant",
			"key_prefix", util.SafeTruncate(key, keyLogLength))
		return nil, storage.ErrGrantConsumed
	}

	var j grantJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumed grant: %w", err)
	}
	return fromGrantJSON(&j), nil
}

// RemoveAllExpired deletes up to limit expired grants and returns them
func (s *Store) RemoveAllExpired(ctx context.Context, now time.Time, limit int) ([]*tokensmith.PersistedGrant, error) {
	var removed []*tokensmith.PersistedGrant
	err := s.scanKeys(ctx, s.grantKey("*"), func(keys []string) error {
		for _, key := range keys {
			if limit > 0 && len(removed) >= limit {
				return nil
			}
			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if valkey.IsValkeyNil(err) {
					continue
				}
				return fmt.Errorf("failed to get grant: %w", err)
			}
			var j grantJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				continue
			}
			grant := fromGrantJSON(&j)
			if !grant.Expired(now) {
				continue
			}
			if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
				return fmt.Errorf("failed to delete expired grant: %w", err)
			}
			removed = append(removed, grant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		s.logger.Debug("Removed expired grants", "count", len(removed))
	}
	return removed, nil
}
