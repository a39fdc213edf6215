// Package queryexec serves the portal's bounded preview path: ad-hoc
// statements against managed connections, outside the script sandbox.
//
// Connections live in an explicit Manager that callers construct and
// pass down. There is no module-level pool state; ownership and
// shutdown are always visible at the call site. Workers never use these
// pools, each worker opens its own dedicated connection.
package queryexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jkaninda/scriptbox/internal/dbproxy"
	"github.com/jkaninda/scriptbox/internal/domain"
)

// Sentinel errors for instance resolution.
var (
	ErrUnknownInstance = errors.New("unknown database instance")
	ErrKindMismatch    = errors.New("instance kind does not match the requested engine")
)

// Instance is one configured database target the preview path may use.
type Instance struct {
	ID         string
	Kind       domain.DatabaseKind
	Connection domain.ConnectionInfo
}

// Manager is an explicit registry of live preview connections, keyed by
// instance ID (and database, for relational pools). Pools open lazily on
// first use and are reused across preview calls.
type Manager struct {
	mu           sync.Mutex
	instances    map[string]Instance
	sqlPools     map[string]*sql.DB
	mongoClients map[string]*mongo.Client
	logger       *slog.Logger
}

// NewManager creates a Manager over the configured instances.
func NewManager(instances []Instance, logger *slog.Logger) *Manager {
	m := &Manager{
		instances:    make(map[string]Instance, len(instances)),
		sqlPools:     make(map[string]*sql.DB),
		mongoClients: make(map[string]*mongo.Client),
		logger:       logger,
	}
	for _, inst := range instances {
		m.instances[inst.ID] = inst
	}
	return m
}

func (m *Manager) instance(id string, kind domain.DatabaseKind) (Instance, error) {
	inst, ok := m.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %q", ErrUnknownInstance, id)
	}
	if inst.Kind != kind {
		return Instance{}, fmt.Errorf("%w: %q is %s", ErrKindMismatch, id, inst.Kind)
	}
	return inst, nil
}

// SQL returns a pooled connection to one database on a relational
// instance, opening it on first use.
func (m *Manager) SQL(ctx context.Context, instanceID, database string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.instance(instanceID, domain.KindRelational)
	if err != nil {
		return nil, err
	}

	key := instanceID + "/" + database
	if db, ok := m.sqlPools[key]; ok {
		return db, nil
	}

	conn := inst.Connection.ResolveEnv(nil)
	db, err := sql.Open("pgx", dbproxy.PostgresDSN(conn, database))
	if err != nil {
		return nil, fmt.Errorf("opening pool for %s: %w", key, err)
	}
	// Preview traffic is light; keep the pool small.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", conn.Redacted(), err)
	}

	m.logger.Debug("preview pool opened",
		slog.String("instance", instanceID),
		slog.String("database", database),
		slog.String("target", conn.Redacted()),
	)
	m.sqlPools[key] = db
	return db, nil
}

// Mongo returns the client for a document instance, connecting on first
// use. Databases are selected per call on the shared client.
func (m *Manager) Mongo(ctx context.Context, instanceID string) (*mongo.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.instance(instanceID, domain.KindDocument)
	if err != nil {
		return nil, err
	}

	if client, ok := m.mongoClients[instanceID]; ok {
		return client, nil
	}

	conn := inst.Connection.ResolveEnv(nil)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dbproxy.MongoURI(conn)))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", conn.Redacted(), err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging %s: %w", conn.Redacted(), err)
	}

	m.logger.Debug("preview client connected",
		slog.String("instance", instanceID),
		slog.String("target", conn.Redacted()),
	)
	m.mongoClients[instanceID] = client
	return client, nil
}

// Close releases every pooled connection. Call once at shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for key, db := range m.sqlPools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pool %s: %w", key, err))
		}
		delete(m.sqlPools, key)
	}
	for id, client := range m.mongoClients {
		if err := client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
			errs = append(errs, fmt.Errorf("disconnecting %s: %w", id, err))
		}
		delete(m.mongoClients, id)
	}
	return errors.Join(errs...)
}
