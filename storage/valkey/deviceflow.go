package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/storage"
)

// deviceJSON is the wire representation of a device authorization record
type deviceJSON struct {
	DeviceCode   string    `json:"device_code"`
	UserCode     string    `json:"user_code"`
	ClientID     string    `json:"client_id"`
	SubjectID    string    `json:"subject_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreationTime time.Time `json:"creation_time"`
	Expiration   time.Time `json:"expiration"`
	Interval     int       `json:"interval"`
	LastPolledAt time.Time `json:"last_polled_at,omitempty"`
	Status       string    `json:"status"`
}

func toDeviceJSON(d *tokensmith.DeviceFlowCodes) *deviceJSON {
	return &deviceJSON{
		DeviceCode:   d.DeviceCode,
		UserCode:     d.UserCode,
		ClientID:     d.ClientID,
		SubjectID:    d.SubjectID,
		SessionID:    d.SessionID,
		Scopes:       d.Scopes,
		CreationTime: d.CreationTime,
		Expiration:   d.Expiration,
		Interval:     d.Interval,
		LastPolledAt: d.LastPolledAt,
		Status:       string(d.Status),
	}
}

func fromDeviceJSON(j *deviceJSON) *tokensmith.DeviceFlowCodes {
	return &tokensmith.DeviceFlowCodes{
		DeviceCode:   j.DeviceCode,
		UserCode:     j.UserCode,
		ClientID:     j.ClientID,
		SubjectID:    j.SubjectID,
		SessionID:    j.SessionID,
		Scopes:       j.Scopes,
		CreationTime: j.CreationTime,
		Expiration:   j.Expiration,
		Interval:     j.Interval,
		LastPolledAt: j.LastPolledAt,
		Status:       tokensmith.DeviceCodeStatus(j.Status),
	}
}

// StoreDeviceAuthorization persists a new device authorization under both
// lookup axes. The user code index is claimed with SET NX so a live
// collision is reported rather than silently overwritten.
func (s *Store) StoreDeviceAuthorization(ctx context.Context, codes *tokensmith.DeviceFlowCodes) error {
	if codes == nil || codes.DeviceCode == "" || codes.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	data, err := json.Marshal(toDeviceJSON(codes))
	if err != nil {
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}

	now := s.clock.Now()
	ttl, hasTTL := s.ttlFor(codes.Expiration, now)
	if !hasTTL {
		ttl = s.retention
	}

	// Claim the user code first
	userKey := s.userCodeKey(codes.UserCode)
	set, err := s.client.Do(ctx,
		s.client.B().Set().Key(userKey).Value(codes.DeviceCode).Nx().Ex(ttl).Build(),
	).ToString()
	if err != nil && !valkey.IsValkeyNil(err) {
		return fmt.Errorf("failed to claim user code: %w", err)
	}
	if set != "OK" {
		return storage.ErrUserCodeCollision
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.deviceKey(codes.DeviceCode)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save device authorization: %w", err)
	}

	s.logger.Debug("Stored device authorization",
		"client_id", codes.ClientID,
		"user_code", codes.UserCode)
	return nil
}

// FindByDeviceCode returns the record for the device code
func (s *Store) FindByDeviceCode(ctx context.Context, deviceCode string) (*tokensmith.DeviceFlowCodes, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.deviceKey(deviceCode)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, storage.ErrDeviceCodeNotFound
		}
		return nil, fmt.Errorf("failed to get device authorization: %w", err)
	}

	var j deviceJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device authorization: %w", err)
	}
	return fromDeviceJSON(&j), nil
}

// FindByUserCode resolves the user code index, then the record
func (s *Store) FindByUserCode(ctx context.Context, userCode string) (*tokensmith.DeviceFlowCodes, error) {
	deviceCode, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, storage.ErrDeviceCodeNotFound
		}
		return nil, fmt.Errorf("failed to resolve user code: %w", err)
	}
	return s.FindByDeviceCode(ctx, deviceCode)
}

// UpdateByUserCode replaces the record identified by the user code
func (s *Store) UpdateByUserCode(ctx context.Context, userCode string, codes *tokensmith.DeviceFlowCodes) error {
	existing, err := s.FindByUserCode(ctx, userCode)
	if err != nil {
		return err
	}

	updated := *codes
	updated.DeviceCode = existing.DeviceCode
	updated.UserCode = existing.UserCode

	data, err := json.Marshal(toDeviceJSON(&updated))
	if err != nil {
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}

	// SET XX refuses to write if the record was removed after the read
	// above, so an update can never resurrect a consumed or swept record.
	_, err = s.client.Do(ctx,
		s.client.B().Set().Key(s.deviceKey(existing.DeviceCode)).Value(string(data)).Xx().Keepttl().Build(),
	).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return storage.ErrDeviceCodeNotFound
		}
		return fmt.Errorf("failed to update device authorization: %w", err)
	}
	return nil
}

// ConsumeByDeviceCode atomically removes an authorized record and returns
// it via a server-side script, so concurrent consumers across instances
// cannot all win.
func (s *Store) ConsumeByDeviceCode(ctx context.Context, deviceCode string) (*tokensmith.DeviceFlowCodes, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeDevice).
			Numkeys(2).
			Key(s.deviceKey(deviceCode)).
			Key(s.pollKey(deviceCode)).
			Arg(s.userCodeKey("")).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic device consume: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, storage.ErrDeviceCodeNotFound
	}

	var j deviceJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumed device authorization: %w", err)
	}
	return fromDeviceJSON(&j), nil
}

// RemoveByDeviceCode deletes the record and both its indexes
func (s *Store) RemoveByDeviceCode(ctx context.Context, deviceCode string) error {
	codes, err := s.FindByDeviceCode(ctx, deviceCode)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := s.client.Do(ctx,
		s.client.B().Del().
			Key(s.deviceKey(deviceCode)).
			Key(s.userCodeKey(codes.UserCode)).
			Key(s.pollKey(deviceCode)).
			Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to delete device authorization: %w", err)
	}
	return nil
}

// TouchPoll atomically applies the minimum-interval throttle via a
// server-side script keyed by device code.
func (s *Store) TouchPoll(ctx context.Context, deviceCode string, now time.Time) (bool, error) {
	codes, err := s.FindByDeviceCode(ctx, deviceCode)
	if err != nil {
		return false, err
	}

	ttl := int64(DefaultExpiredRetention / time.Second)
	if remaining := codes.Expiration.Sub(now); remaining > 0 {
		ttl = int64(remaining/time.Second) + 1
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTouchPoll).
			Numkeys(1).
			Key(s.pollKey(deviceCode)).
			Arg(strconv.FormatInt(now.Unix(), 10)).
			Arg(strconv.Itoa(codes.Interval)).
			Arg(strconv.FormatInt(ttl, 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute poll throttle: %w", err)
	}
	return result == 1, nil
}

// RemoveExpired deletes up to limit expired device authorizations and returns them
func (s *Store) RemoveExpired(ctx context.Context, now time.Time, limit int) ([]*tokensmith.DeviceFlowCodes, error) {
	var removed []*tokensmith.DeviceFlowCodes
	err := s.scanKeys(ctx, s.deviceKey("*"), func(keys []string) error {
		for _, key := range keys {
			if limit > 0 && len(removed) >= limit {
				return nil
			}
			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if valkey.IsValkeyNil(err) {
					continue
				}
				return fmt.Errorf("failed to get device authorization: %w", err)
			}
			var j deviceJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				continue
			}
			codes := fromDeviceJSON(&j)
			if !codes.Expired(now) {
				continue
			}
			if err := s.RemoveByDeviceCode(ctx, codes.DeviceCode); err != nil {
				return err
			}
			removed = append(removed, codes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		s.logger.Debug("Removed expired device authorizations", "count", len(removed))
	}
	return removed, nil
}
