package token

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbeier/resetflow/internal/random"
)

// ErrRedisUnavailable wraps transport failures talking to Redis.
var ErrRedisUnavailable = errors.New("token redis unavailable")

const (
	resetRecordVersionV1 = 1
	mfaRecordVersionV1   = 1

	consumeRetries = 4
)

// RedisResetStore keeps reset records in Redis so several instances share
// one registry. Consumption runs under WATCH so the check-and-delete is a
// compare-and-swap; a concurrent consumer forces a retry and at most one
// caller wins.
type RedisResetStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisResetStore creates a store namespaced under prefix.
func NewRedisResetStore(client redis.UniversalClient, prefix string) *RedisResetStore {
	if prefix == "" {
		prefix = "rf"
	}
	return &RedisResetStore{client: client, prefix: prefix}
}

func (s *RedisResetStore) recordKey(id random.TokenID) string {
	return s.prefix + ":rt:" + id.String()
}

func (s *RedisResetStore) codeKey(code string) string {
	return s.prefix + ":rtc:" + code
}

func (s *RedisResetStore) userKey(userRef string) string {
	return s.prefix + ":rtu:" + userRef
}

// Save stores the record, its short-code alias, and a per-user index
// entry, all expiring together.
func (s *RedisResetStore) Save(ctx context.Context, rec *ResetRecord, ttl time.Duration) error {
	encoded, err := encodeResetRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.ID), encoded, ttl)
		pipe.Set(ctx, s.codeKey(rec.ShortCode), rec.ID.String(), ttl)
		pipe.SAdd(ctx, s.userKey(rec.UserRef), rec.ID.String())
		pipe.Expire(ctx, s.userKey(rec.UserRef), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Consume verifies the secret hash and deletes the record atomically.
func (s *RedisResetStore) Consume(ctx context.Context, id random.TokenID, secretHash [32]byte) (*ResetRecord, error) {
	return s.consume(ctx, id, &secretHash)
}

// ConsumeByCode resolves the short-code alias and consumes the record.
func (s *RedisResetStore) ConsumeByCode(ctx context.Context, code string) (*ResetRecord, error) {
	raw, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	id, err := random.ParseTokenID(raw)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.consume(ctx, id, nil)
}

func (s *RedisResetStore) consume(ctx context.Context, id random.TokenID, secretHash *[32]byte) (*ResetRecord, error) {
	key := s.recordKey(id)

	for i := 0; i < consumeRetries; i++ {
		var matched *ResetRecord

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			rec, err := decodeResetRecord(data)
			if err != nil {
				return err
			}

			if time.Now().After(rec.ExpiresAt) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key, s.codeKey(rec.ShortCode))
					return nil
				})
				if err != nil {
					return err
				}
				return ErrNotFound
			}

			if secretHash != nil {
				if subtle.ConstantTimeCompare(rec.SecretHash[:], secretHash[:]) != 1 {
					return ErrMismatch
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key, s.codeKey(rec.ShortCode))
				pipe.SRem(ctx, s.userKey(rec.UserRef), rec.ID.String())
				return nil
			})
			if err != nil {
				return err
			}

			matched = rec
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrNotFound
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
		return matched, nil
	}

	return nil, ErrNotFound
}

// InvalidateUser deletes every outstanding record bound to userRef.
func (s *RedisResetStore) InvalidateUser(ctx context.Context, userRef string) int {
	ids, err := s.client.SMembers(ctx, s.userKey(userRef)).Result()
	if err != nil {
		return 0
	}

	removed := 0
	for _, raw := range ids {
		id, err := random.ParseTokenID(raw)
		if err != nil {
			continue
		}
		data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
		if err != nil {
			continue
		}
		rec, err := decodeResetRecord(data)
		if err != nil {
			continue
		}
		if s.client.Del(ctx, s.recordKey(id), s.codeKey(rec.ShortCode)).Val() > 0 {
			removed++
		}
	}
	s.client.Del(ctx, s.userKey(userRef))
	return removed
}

// RedisMFAStore keeps MFA challenges in Redis. Attempt accounting runs
// under WATCH so two concurrent wrong guesses cannot share one attempt.
type RedisMFAStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisMFAStore creates a store namespaced under prefix.
func NewRedisMFAStore(client redis.UniversalClient, prefix string) *RedisMFAStore {
	if prefix == "" {
		prefix = "rf"
	}
	return &RedisMFAStore{client: client, prefix: prefix}
}

func (s *RedisMFAStore) key(subject string) string {
	return s.prefix + ":mfa:" + subject
}

// Save stores the challenge, replacing any previous one for subject.
func (s *RedisMFAStore) Save(ctx context.Context, subject string, rec *MFARecord, ttl time.Duration) error {
	encoded, err := encodeMFARecord(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(subject), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Verify checks the code and settles the challenge under WATCH.
func (s *RedisMFAStore) Verify(ctx context.Context, subject, code string) error {
	key := s.key(subject)
	submitted := random.HashBytes([]byte(code))

	for i := 0; i < consumeRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			rec, err := decodeMFARecord(data)
			if err != nil {
				return err
			}

			if time.Now().After(rec.ExpiresAt) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrNotFound
			}

			if subtle.ConstantTimeCompare(rec.CodeHash[:], submitted[:]) != 1 {
				rec.Attempts--
				if rec.Attempts <= 0 {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return ErrAttemptsExceeded
				}

				ttl := time.Until(rec.ExpiresAt)
				updated, err := encodeMFARecord(rec)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return ErrNotFound
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrMismatch), errors.Is(err, ErrAttemptsExceeded):
				return err
			default:
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
		return nil
	}

	return ErrNotFound
}

// Clear drops the challenge for subject.
func (s *RedisMFAStore) Clear(ctx context.Context, subject string) error {
	if err := s.client.Del(ctx, s.key(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

var (
	_ ResetStore = (*RedisResetStore)(nil)
	_ MFAStore   = (*RedisMFAStore)(nil)
)

func encodeResetRecord(rec *ResetRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(resetRecordVersionV1)
	if rec.Decoy {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt.Unix()); err != nil {
		return nil, err
	}

	for _, field := range []string{rec.ShortCode, rec.UserRef, rec.SessionID} {
		if len(field) > 65535 {
			return nil, errors.New("reset record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	buf.Write(rec.ID[:])
	buf.Write(rec.SecretHash[:])
	return buf.Bytes(), nil
}

func decodeResetRecord(data []byte) (*ResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersionV1 {
		return nil, errors.New("invalid reset record version")
	}

	decoy, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	rec := &ResetRecord{Decoy: decoy == 1}

	var unix int64
	if err := binary.Read(reader, binary.BigEndian, &unix); err != nil {
		return nil, err
	}
	rec.ExpiresAt = time.Unix(unix, 0)

	for _, field := range []*string{&rec.ShortCode, &rec.UserRef, &rec.SessionID} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, err
		}
		*field = string(b)
	}

	if _, err := io.ReadFull(reader, rec.ID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, rec.SecretHash[:]); err != nil {
		return nil, err
	}
	return rec, nil
}

func encodeMFARecord(rec *MFARecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(mfaRecordVersionV1)
	if rec.Attempts < 0 || rec.Attempts > 65535 {
		return nil, errors.New("invalid mfa attempts")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(rec.Attempts)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt.Unix()); err != nil {
		return nil, err
	}
	buf.Write(rec.CodeHash[:])
	return buf.Bytes(), nil
}

func decodeMFARecord(data []byte) (*MFARecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaRecordVersionV1 {
		return nil, errors.New("invalid mfa record version")
	}

	rec := &MFARecord{}

	var attempts uint16
	if err := binary.Read(reader, binary.BigEndian, &attempts); err != nil {
		return nil, err
	}
	rec.Attempts = int(attempts)

	var unix int64
	if err := binary.Read(reader, binary.BigEndian, &unix); err != nil {
		return nil, err
	}
	rec.ExpiresAt = time.Unix(unix, 0)

	if _, err := io.ReadFull(reader, rec.CodeHash[:]); err != nil {
		return nil, err
	}
	return rec, nil
}
