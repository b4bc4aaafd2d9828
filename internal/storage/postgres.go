package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lib/pq"

	logx "tflsched/pkg/logx"
)

const pqUniqueViolation = "23505"

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, db, "migrations/postgres.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug("postgres store opened", logx.String("host", cfg.Host), logx.String("db", cfg.Name))
	return &sqlStore{
		db:  db,
		log: log,
		d: dialect{
			name:      "postgres",
			numbered:  true,
			forUpdate: " FOR UPDATE",
			isUnique:  isPQUnique,
		},
	}, nil
}

// postgresDSN builds a postgres:// URL from the connection fields.
// Path, when it already looks like a DSN, wins.
func postgresDSN(cfg Config) (string, error) {
	if p := strings.TrimSpace(cfg.Path); strings.HasPrefix(p, "postgres://") || strings.HasPrefix(p, "postgresql://") {
		return p, nil
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return "", errors.New("postgres host is required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return "", errors.New("postgres database name is required")
	}
	host := cfg.Host
	if cfg.Port > 0 {
		host += ":" + strconv.Itoa(cfg.Port)
	}
	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + cfg.Name}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	q := url.Values{}
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isPQUnique(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	return false
}
