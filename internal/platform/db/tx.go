package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transactor runs fn as one unit of work serialized on key. Calls made with a
// ctx that already holds a unit of work join it; the additional key is locked
// for the remainder of the outer unit.
type Transactor interface {
	InTx(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type txKey struct{}

// TxFromContext returns the transaction opened by PGTransactor, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// PGTransactor wraps fn in a Postgres transaction and takes a transaction
// scoped advisory lock on hashtext(key).
type PGTransactor struct {
	pool *pgxpool.Pool
}

func NewPGTransactor(pool *pgxpool.Pool) *PGTransactor {
	return &PGTransactor{pool: pool}
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (t *PGTransactor) InTx(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		if err := advisoryLock(ctx, tx, key); err != nil {
			return err
		}
		return fn(ctx)
	}

	var b beginner = t.pool
	if c := ConnFromContext(ctx); c != nil {
		b = c
	}

	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := advisoryLock(ctx, tx, key); err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey(ctx, key)); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

// lockKey scopes key to the request's tenant. Advisory locks are shared by
// every schema in the database.
func lockKey(ctx context.Context, key string) string {
	if tenant := TenantFromContext(ctx); tenant != "" {
		return "tenant:" + tenant + ":" + key
	}
	return key
}

// LocalTransactor serializes units of work with one mutex per key. It backs the
// in-memory stores and gives no rollback.
type LocalTransactor struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

type heldKeysKey struct{}

func NewLocalTransactor() *LocalTransactor {
	return &LocalTransactor{locks: make(map[string]*keyedLock)}
}

func (t *LocalTransactor) InTx(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	held, _ := ctx.Value(heldKeysKey{}).(map[string]struct{})
	if _, ok := held[key]; ok {
		return fn(ctx)
	}

	l := t.acquire(key)
	l.mu.Lock()
	defer t.release(key, l)

	next := make(map[string]struct{}, len(held)+1)
	for k := range held {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	return fn(context.WithValue(ctx, heldKeysKey{}, next))
}

func (t *LocalTransactor) acquire(key string) *keyedLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyedLock{}
		t.locks[key] = l
	}
	l.refs++
	return l
}

func (t *LocalTransactor) release(key string, l *keyedLock) {
	l.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}
