// Package journal persists which sandbox sessions own OS resources, so
// resources leaked by a crash or a failed creation can be reclaimed on the
// next start.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// State of a journaled session.
type State string

const (
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateTearingDown  State = "tearing_down"
)

// Entry is one journaled session.
type Entry struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayPort int       `json:"displayPort"`
	CreatedAt   time.Time `json:"createdAt"`
	State       State     `json:"state"`
}

// Journal records sessions before their first OS mutation and forgets them
// after teardown.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	Forget(ctx context.Context, id string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Open selects a backend from dsn:
//
//	""/"none"              no-op
//	redis:// rediss://     Redis hash
//	postgres:// postgresql:// host=...   Postgres via gorm
//	anything else          SQLite file via gorm
func Open(dsn string, logger *zap.Logger) (Journal, error) {
	switch {
	case dsn == "" || dsn == "none":
		return Nop{}, nil
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		j, err := OpenRedis(dsn, logger)
		if err != nil {
			return nil, err
		}
		return j, nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host="):
		j, err := OpenPostgres(dsn, logger)
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		j, err := OpenSQLite(dsn, logger)
		if err != nil {
			return nil, err
		}
		return j, nil
	}
}

// Nop is a Journal that stores nothing.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error   { return nil }
func (Nop) Forget(context.Context, string) error  { return nil }
func (Nop) List(context.Context) ([]Entry, error) { return nil, nil }
func (Nop) Close() error                          { return nil }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("journal %s: %w", op, err)
}
