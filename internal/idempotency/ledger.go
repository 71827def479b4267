// Package idempotency implements the per-service ledger that keeps a retried
// command from executing its side effects twice.
//
// A command carrying a key is admitted as Fresh (execute it), Replay (return the
// resource created earlier) or Conflict (the key was used for another payload).
// While a command executes, its key is locked; a duplicate that arrives in the
// meantime is rejected as in flight instead of executing concurrently. A Fresh
// admission whose command failed is abandoned, which removes the speculative
// record so the key can be used again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"commerce-service/internal/apperror"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"go.uber.org/zap"
)

type Outcome int

const (
	Fresh Outcome = iota
	Replay
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Replay:
		return "replay"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// KeyStore persists ledger records. Insert must be atomic on the key.
type KeyStore interface {
	Insert(ctx context.Context, rec *models.IdempotencyKey) (bool, error)
	Get(ctx context.Context, key string) (*models.IdempotencyKey, error)
	Complete(ctx context.Context, key string, resourceID int64) error
	Delete(ctx context.Context, key string) error
}

// Locker guards a key while its command executes.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

type Ledger struct {
	scope   string
	keys    KeyStore
	locker  Locker
	lockTTL time.Duration
}

// NewLedger creates the ledger of one service; scope namespaces its locks.
func NewLedger(scope string, keys KeyStore, locker Locker, lockTTL time.Duration) *Ledger {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Ledger{scope: scope, keys: keys, locker: locker, lockTTL: lockTTL}
}

// Admission is the ledger's decision for one command.
type Admission struct {
	Outcome    Outcome
	ResourceID int64

	ledger *Ledger
	key    string
	token  string
	closed bool
}

// Admit decides whether the command identified by key may run. An empty key
// bypasses the ledger and is always Fresh.
func (l *Ledger) Admit(ctx context.Context, key string, userID int64, requestHash string) (*Admission, error) {
	if key == "" {
		return &Admission{Outcome: Fresh}, nil
	}

	lockName := l.lockName(key)
	token, ok, err := l.locker.AcquireLock(ctx, lockName, l.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock idempotency key: %w", err)
	}
	if !ok {
		return l.admitWithoutLock(ctx, key, requestHash)
	}

	adm, err := l.admitLocked(ctx, key, userID, requestHash, token)
	if err != nil || adm.Outcome != Fresh {
		l.release(ctx, key, token)
	}
	if err != nil {
		return nil, err
	}
	l.record(ctx, key, adm.Outcome)
	return adm, nil
}

func (l *Ledger) admitLocked(ctx context.Context, key string, userID int64, requestHash, token string) (*Admission, error) {
	for attempt := 0; attempt < 3; attempt++ {
		inserted, err := l.keys.Insert(ctx, &models.IdempotencyKey{Key: key, UserID: userID, RequestHash: requestHash})
		if err != nil {
			return nil, err
		}
		if inserted {
			return l.fresh(key, token), nil
		}

		rec, err := l.keys.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			// deleted between insert and read; try again
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read idempotency key: %w", err)
		}

		switch {
		case rec.RequestHash != requestHash:
			return &Admission{Outcome: Conflict}, nil
		case rec.ResourceID != nil:
			return &Admission{Outcome: Replay, ResourceID: *rec.ResourceID}, nil
		default:
			// A speculative record nobody holds the lock for: the first attempt
			// died before completing. Run the command again against this record.
			util.Logger(ctx).Warn("Re-executing abandoned idempotent command",
				zap.String("scope", l.scope),
				zap.String("idempotency_key", key))
			return l.fresh(key, token), nil
		}
	}
	return nil, fmt.Errorf("idempotency key %s kept disappearing", key)
}

func (l *Ledger) admitWithoutLock(ctx context.Context, key, requestHash string) (*Admission, error) {
	rec, err := l.keys.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	if rec != nil && rec.RequestHash != requestHash {
		l.record(ctx, key, Conflict)
		return &Admission{Outcome: Conflict}, nil
	}
	if rec != nil && rec.ResourceID != nil {
		l.record(ctx, key, Replay)
		return &Admission{Outcome: Replay, ResourceID: *rec.ResourceID}, nil
	}

	util.IdempotencyDecisionsTotal.WithLabelValues("in_flight").Inc()
	return nil, apperror.IdempotencyInFlight()
}

func (l *Ledger) fresh(key, token string) *Admission {
	return &Admission{Outcome: Fresh, ledger: l, key: key, token: token}
}

func (l *Ledger) lockName(key string) string {
	return "idempotency:" + l.scope + ":" + key
}

func (l *Ledger) release(ctx context.Context, key, token string) {
	if err := l.locker.ReleaseLock(ctx, l.lockName(key), token); err != nil {
		util.Logger(ctx).Warn("Failed to release idempotency lock",
			zap.String("idempotency_key", key), zap.Error(err))
	}
}

func (l *Ledger) record(ctx context.Context, key string, outcome Outcome) {
	util.IdempotencyDecisionsTotal.WithLabelValues(outcome.String()).Inc()
	if outcome != Fresh {
		util.Logger(ctx).Info("Idempotency key matched earlier request",
			zap.String("scope", l.scope),
			zap.String("idempotency_key", key),
			zap.String("outcome", outcome.String()))
	}
}

// Complete back-fills the created resource id and releases the key.
func (a *Admission) Complete(ctx context.Context, resourceID int64) error {
	if a.ledger == nil || a.closed {
		return nil
	}
	a.closed = true
	defer a.ledger.release(ctx, a.key, a.token)
	return a.ledger.keys.Complete(ctx, a.key, resourceID)
}

// Superseded reports the resource another execution completed the key with
// while this one was running, which happens once the lock outlived its TTL.
// When it returns true the admission is closed and the caller replays that
// resource; otherwise the admission stays open.
func (a *Admission) Superseded(ctx context.Context) (int64, bool, error) {
	if a.ledger == nil || a.closed {
		return 0, false, nil
	}
	rec, err := a.ledger.keys.Get(ctx, a.key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if rec.ResourceID == nil {
		return 0, false, nil
	}
	a.closed = true
	a.ledger.release(ctx, a.key, a.token)
	a.ledger.record(ctx, a.key, Replay)
	return *rec.ResourceID, true, nil
}

// Abandon removes the speculative record of a command that produced no
// resource and releases the key.
func (a *Admission) Abandon(ctx context.Context) {
	if a.ledger == nil || a.closed {
		return
	}
	a.closed = true
	defer a.ledger.release(ctx, a.key, a.token)
	if err := a.ledger.keys.Delete(ctx, a.key); err != nil {
		util.Logger(ctx).Error("Failed to abandon idempotency key",
			zap.String("idempotency_key", a.key), zap.Error(err))
	}
}

// HashRequest returns a content hash of the request body bound to the caller.
func HashRequest(userID int64, req interface{}) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to hash request: %w", err)
	}
	sum := sha256.Sum256(append(body, []byte(":"+strconv.FormatInt(userID, 10))...))
	return hex.EncodeToString(sum[:]), nil
}
