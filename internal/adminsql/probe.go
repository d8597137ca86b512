// Package adminsql provides a database/sql-based health probe for backend
// servers, separate from the hot-path raw-socket connections
// internal/backend manages. It answers questions a raw wire connection
// doesn't expose cheaply: is this server reachable at all, and (for a
// slave) how far behind the master is it replicating. No other package in
// this module constructs a Prober.
//
// Grounded on the teacher's own bootstrap connection in mariadb.go's
// Start(), which opened exactly one sql.Open("mysql", dsn) to the default
// backend for schema introspection; generalized here into a small
// per-backend probe held open for the process lifetime.
package adminsql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Status is a point-in-time health read for one backend.
type Status struct {
	Reachable      bool
	ReplicaLagSecs int64 // -1 if not a replica, or lag is unknown
	Error          string
}

// Prober holds one database/sql connection pool per configured backend,
// used only for health checks — never for routing client statements.
type Prober struct {
	user     string
	password string
	timeout  time.Duration

	conns map[string]*sql.DB
}

// NewProber builds a Prober. Connections are opened lazily on first Check
// for a given identity; the address of that first Check is the one used.
func NewProber(user, password string) *Prober {
	return &Prober{
		user:     user,
		password: password,
		timeout:  3 * time.Second,
		conns:    make(map[string]*sql.DB),
	}
}

func dsn(user, password, address string) string {
	if strings.HasPrefix(address, "unix:") {
		return fmt.Sprintf("%s:%s@unix(%s)/", user, password, address[len("unix:"):])
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/", user, password, address)
}

func (pr *Prober) dbFor(identity, address string) (*sql.DB, error) {
	if db, ok := pr.conns[identity]; ok {
		return db, nil
	}
	db, err := sql.Open("mysql", dsn(pr.user, pr.password, address))
	if err != nil {
		return nil, fmt.Errorf("opening probe connection to %s: %w", identity, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	pr.conns[identity] = db
	return db, nil
}

// Check pings identity at address and, for a replica, reads its
// replication lag via SHOW SLAVE STATUS / SHOW REPLICA STATUS (MariaDB
// supports both spellings; the caller doesn't need to know which the
// server speaks).
func (pr *Prober) Check(identity, address string, isReplica bool) Status {
	db, err := pr.dbFor(identity, address)
	if err != nil {
		return Status{Reachable: false, ReplicaLagSecs: -1, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), pr.timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return Status{Reachable: false, ReplicaLagSecs: -1, Error: err.Error()}
	}

	if !isReplica {
		return Status{Reachable: true, ReplicaLagSecs: -1}
	}

	lag, err := pr.replicaLag(ctx, db)
	if err != nil {
		return Status{Reachable: true, ReplicaLagSecs: -1, Error: err.Error()}
	}
	return Status{Reachable: true, ReplicaLagSecs: lag}
}

// replicaLag reads the Seconds_Behind_Master column from the first row of
// SHOW REPLICA STATUS, falling back to SHOW SLAVE STATUS when the server
// rejects the first spelling, mapping column names generically since the
// exact column set varies across server versions.
func (pr *Prober) replicaLag(ctx context.Context, db *sql.DB) (int64, error) {
	rows, err := db.QueryContext(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		rows, err = db.QueryContext(ctx, "SHOW SLAVE STATUS")
		if err != nil {
			return -1, fmt.Errorf("reading replication status: %w", err)
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return -1, err
	}
	if !rows.Next() {
		return -1, fmt.Errorf("no replication status row (server may not be a replica)")
	}

	raw := make([]sql.RawBytes, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return -1, fmt.Errorf("scanning replication status: %w", err)
	}

	for i, col := range cols {
		if col == "Seconds_Behind_Master" {
			if raw[i] == nil {
				return -1, fmt.Errorf("Seconds_Behind_Master is NULL (replication stopped)")
			}
			var secs int64
			if _, err := fmt.Sscanf(string(raw[i]), "%d", &secs); err != nil {
				return -1, fmt.Errorf("parsing Seconds_Behind_Master: %w", err)
			}
			return secs, nil
		}
	}
	return -1, fmt.Errorf("Seconds_Behind_Master column not present")
}

// Close releases every open probe connection.
func (pr *Prober) Close() error {
	var firstErr error
	for _, db := range pr.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
