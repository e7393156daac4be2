package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tursodatabase/go-libsql"

	"github.com/kalambet/chatter/internal/chat"
)

const remoteDBFile = "remote.db"

// RemoteOptions configure the synchronized backend. Without a PrimaryURL the
// backend is a plain libsql file, which is what tests and offline installs
// use.
type RemoteOptions struct {
	PrimaryURL   string
	AuthToken    string
	SyncInterval time.Duration
}

type syncer interface {
	Sync() error
	Close() error
}

type replica struct {
	connector *libsql.Connector
}

func (r replica) Sync() error {
	_, err := r.connector.Sync()
	return err
}

func (r replica) Close() error {
	return r.connector.Close()
}

// OpenRemote opens the synchronized backend in dataDir. With a primary URL
// the database is an embedded replica: reads are served from the local
// copy and writes go to the primary before returning, so a write is visible
// to the next read in this process.
func OpenRemote(dataDir string, opts RemoteOptions) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, remoteDBFile)

	if opts.PrimaryURL == "" {
		db, err := sql.Open("libsql", "file:"+path)
		if err != nil {
			return nil, fmt.Errorf("opening libsql database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging libsql database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return newStore(db, chat.BackendRemote, nil)
	}

	var connOpts []libsql.Option
	if opts.AuthToken != "" {
		connOpts = append(connOpts, libsql.WithAuthToken(opts.AuthToken))
	}
	if opts.SyncInterval > 0 {
		connOpts = append(connOpts, libsql.WithSyncInterval(opts.SyncInterval))
	}

	connector, err := libsql.NewEmbeddedReplicaConnector(path, opts.PrimaryURL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedded replica: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("pinging embedded replica: %w", err)
	}
	return newStore(db, chat.BackendRemote, replica{connector: connector})
}
