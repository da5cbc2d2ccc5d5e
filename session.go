// This package provides a high-level interface to the session-core
// implementation. It owns the encrypted store, key derivation and lifecycle,
// and exposes the incoming message pipeline and its update stream.
package session

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sandakersmann/session-core/attachments"
	"github.com/sandakersmann/session-core/clock"
	"github.com/sandakersmann/session-core/config"
	"github.com/sandakersmann/session-core/ingest"
	"github.com/sandakersmann/session-core/internal/db"
	"github.com/sandakersmann/session-core/pubkey"
	"go.uber.org/zap"
)

// Constants for application state.
const (
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

type Core struct {
	DB *db.Database

	config      *config.Config
	log         *zap.SugaredLogger
	clock       clock.Clock
	state       int
	localID     string
	fetcher     attachments.Fetcher
	group       ingest.GroupControlHandler
	registry    prometheus.Registerer
	attachments *attachments.Pipeline
	ingest      *ingest.Manager
}

// Create a core instance for the local identity. The fetcher and group
// control handler are supplied by the transport layer.
func NewCore(c *config.Config, localID string, fetcher attachments.Fetcher, group ingest.GroupControlHandler, reg prometheus.Registerer) (*Core, error) {
	log := c.Logger("")
	canonical, err := pubkey.Parse(localID)
	if err != nil {
		return nil, err
	}
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making core, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Core{
		DB:       database,
		config:   c,
		log:      log,
		clock:    clock.NewSystemClock(),
		state:    state,
		localID:  canonical,
		fetcher:  fetcher,
		group:    group,
		registry: reg,
	}, nil
}

// Makes a key from a password
func (c *Core) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

// Returns true if the core is in NEW state.
func (c *Core) New() bool {
	return c.state == StateNew
}

// Returns true if the core is in INITIALIZED state.
func (c *Core) Initialized() bool {
	return c.state == StateInitialized
}

// Returns true if the core is in RUNNING state.
func (c *Core) Running() bool {
	return c.state == StateRunning
}

// Initialize creates the encrypted store with the given key.
func (c *Core) Initialize(key []byte) error {
	if c.state != StateNew {
		return fmt.Errorf("session: wrong state, expected %d got %d", StateNew, c.state)
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	return nil
}

// Open unlocks the store and starts the ingestion pipeline.
func (c *Core) Open(key []byte) error {
	if c.state != StateInitialized {
		return fmt.Errorf("session: wrong state, expected %d got %d", StateInitialized, c.state)
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}

	pipeline, err := attachments.NewPipeline(c.config, c.fetcher)
	if err != nil {
		return err
	}
	c.attachments = pipeline

	manager, err := ingest.NewManager(c.config, c.DB, c.localID, pipeline, c.group, c.clock, c.registry)
	if err != nil {
		return err
	}
	c.ingest = manager
	if err := manager.Start(); err != nil {
		return err
	}
	c.state = StateRunning
	return nil
}

// ProcessIncomingEnvelope feeds one decrypted envelope into the pipeline.
func (c *Core) ProcessIncomingEnvelope(env *ingest.Envelope, payload *ingest.ContentPayload) error {
	if c.state != StateRunning {
		return fmt.Errorf("session: wrong state, expected %d got %d", StateRunning, c.state)
	}
	return c.ingest.ProcessIncomingEnvelope(env, payload)
}

// Updates yields admission events once the core is running.
func (c *Core) Updates() ingest.UpdateChannel {
	return c.ingest.Updates()
}

// Ingest exposes the pipeline manager.
func (c *Core) Ingest() *ingest.Manager {
	return c.ingest
}

// Shutdown drains in-flight work and closes the store.
func (c *Core) Shutdown() error {
	if c.ingest != nil {
		if err := c.ingest.Shutdown(); err != nil {
			return err
		}
	}
	if err := c.DB.Shutdown(); err != nil {
		return err
	}
	c.state = StateClosed
	return nil
}
