// Package leaderelection gates the schedule poll loop and the stale job
// sweep behind a Postgres advisory lock, so that two service instances
// pointed at the same database never double-fire a schedule.
//
// The lock is session-scoped and held for the lifetime of a dedicated
// connection. There is no renewal: if the connection dies, Postgres
// releases the lock server-side and another instance takes over. The
// heartbeat ping only detects local connection death so this instance
// can stop its loops promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// DefaultLockKey identifies the scheduler lock. All instances sharing a
// database must agree on it.
const DefaultLockKey int64 = 0x68617465 // "hate"(st)

type Config struct {
	LockKey           int64
	RetryInterval     time.Duration // standby: how often to try the lock
	HeartbeatInterval time.Duration // holder: how often to ping the connection
}

func DefaultConfig() Config {
	return Config{
		LockKey:           DefaultLockKey,
		RetryInterval:     15 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Guard runs the acquire-hold-retry loop. onAcquired is called in a new
// goroutine with a context that is cancelled when the lock is lost; it
// should start the scheduler and reconciler and return. onReleased is
// called synchronously after loss and must stop them before returning.
type Guard struct {
	db         *sql.DB
	config     Config
	onAcquired func(ctx context.Context)
	onReleased func()
}

func New(db *sql.DB, config Config, onAcquired func(ctx context.Context), onReleased func()) *Guard {
	if config.LockKey == 0 {
		config.LockKey = DefaultLockKey
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig().RetryInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	return &Guard{
		db:         db,
		config:     config,
		onAcquired: onAcquired,
		onReleased: onReleased,
	}
}

// Run blocks until ctx is cancelled, acquiring the lock whenever it is
// free and standing by otherwise.
func (g *Guard) Run(ctx context.Context) {
	log.Printf("leader: election loop started, lock_key=%d retry=%s", g.config.LockKey, g.config.RetryInterval)

	for {
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		g.runOnce(ctx)

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(g.config.RetryInterval):
		}
	}
}

func (g *Guard) runOnce(ctx context.Context) {
	// Advisory locks are session-scoped, so the attempt and the hold must
	// share one dedicated connection.
	conn, err := g.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: dedicated connection: %v", err)
		return
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", g.config.LockKey).Scan(&acquired); err != nil {
		log.Printf("leader: advisory lock query: %v", err)
		return
	}
	if !acquired {
		return
	}

	log.Printf("leader: acquired advisory lock %d, starting scheduling duties", g.config.LockKey)

	holdCtx, cancel := context.WithCancel(ctx)
	go g.onAcquired(holdCtx)

	reason := g.hold(ctx, conn)

	cancel()
	g.onReleased()
	log.Printf("leader: released advisory lock %d (%s)", g.config.LockKey, reason)
}

// hold pings the lock connection until it dies or ctx is cancelled.
func (g *Guard) hold(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(g.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: lock connection ping failed: %v", err)
				return "connection lost"
			}
		}
	}
}
