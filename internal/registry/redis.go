// Package registry mirrors cross-process conference state that must stay
// consistent when more than one focus process shares a deployment: meeting-id
// uniqueness and the set of pinned conferences. It is a mirror, not a system
// of record — spec.md has no persisted state, so the meeting-id and pin
// methods degrade to a single-process answer when the service is nil or its
// circuit breaker is open. Until the breaker opens, Redis errors are returned
// to the caller, and Ping always reports them.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/heliumvc/focus/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Pin records that a conference should survive past its normal empty-room
// teardown, along with when that grace period expires.
type Pin struct {
	RoomJID   string    `json:"roomJid"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service wraps a Redis client with circuit-breaker-guarded operations used
// by the conference registry (C7) for meeting-id uniqueness and pin mirroring.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, nil if the service is nil.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService dials Redis and wires a circuit breaker around every operation.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to registry redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "registry-redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("registry").Set(stateVal)
		},
	}

	slog.Info("connected to registry redis", "addr", addr)
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// TryClaimMeetingID claims a meeting id cluster-wide for ttl, returning false
// if another process already holds it. Nil service (single-process mode)
// always claims successfully — uniqueness then holds only in-process.
func (s *Service) TryClaimMeetingID(ctx context.Context, meetingID string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return true, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, meetingIDKey(meetingID), "1", ttl).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("registry").Inc()
			slog.Warn("registry circuit breaker open: claiming meeting id locally only", "meetingId", meetingID)
			return true, nil
		}
		return false, fmt.Errorf("claim meeting id: %w", err)
	}
	return res.(bool), nil
}

// ReleaseMeetingID frees a previously claimed meeting id, e.g. on conference stop.
func (s *Service) ReleaseMeetingID(ctx context.Context, meetingID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, meetingIDKey(meetingID)).Err()
	})
	if err != nil && err != gobreaker.ErrOpenState {
		return fmt.Errorf("release meeting id: %w", err)
	}
	return nil
}

// SetPin mirrors a pin decision so other processes' admin surfaces see it.
func (s *Service) SetPin(ctx context.Context, p Pin) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pin: %w", err)
	}
	_, err = s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.HSet(ctx, pinsKey, p.RoomJID, data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("registry").Inc()
			slog.Warn("registry circuit breaker open: pin not mirrored", "room", p.RoomJID)
			return nil
		}
		return fmt.Errorf("set pin: %w", err)
	}
	return nil
}

// ClearPin removes a mirrored pin.
func (s *Service) ClearPin(ctx context.Context, roomJID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.HDel(ctx, pinsKey, roomJID).Err()
	})
	if err != nil && err != gobreaker.ErrOpenState {
		return fmt.Errorf("clear pin: %w", err)
	}
	return nil
}

// ListPins returns every mirrored pin, pruning any whose expiry has passed.
func (s *Service) ListPins(ctx context.Context) ([]Pin, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.HGetAll(ctx, pinsKey).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("registry").Inc()
			slog.Warn("registry circuit breaker open: returning no pins")
			return nil, nil
		}
		return nil, fmt.Errorf("list pins: %w", err)
	}

	raw := res.(map[string]string)
	pins := make([]Pin, 0, len(raw))
	now := time.Now()
	for room, data := range raw {
		var p Pin
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			slog.Error("malformed mirrored pin, dropping", "room", room, "error", err)
			continue
		}
		if now.After(p.ExpiresAt) {
			_ = s.ClearPin(ctx, room)
			continue
		}
		pins = append(pins, p)
	}
	return pins, nil
}

// Ping checks Redis connectivity, used by the readiness handler.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("registry").Inc()
		}
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

const pinsKey = "focus:pins"

func meetingIDKey(id string) string {
	return fmt.Sprintf("focus:meeting:%s", id)
}
