package sqlserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudsoft/mssqlpro/internal/effector"
	"github.com/cloudsoft/mssqlpro/internal/password"
	"github.com/cloudsoft/mssqlpro/internal/remote"
	"github.com/cloudsoft/mssqlpro/internal/sensor"
	"github.com/cloudsoft/mssqlpro/internal/sqlexec"
	"github.com/cloudsoft/mssqlpro/internal/state"
	"go.uber.org/zap"
)

// ErrNotLaunched is returned by SQL operations before datastore.url is known.
var ErrNotLaunched = errors.New("sql server has not been launched")

// Professional is the set of operations a SQL Server Professional entity
// supports.
type Professional interface {
	Install(ctx context.Context) error
	Customize(ctx context.Context) error
	Launch(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning(ctx context.Context) bool
	ExecuteScript(ctx context.Context, commands string) (string, error)
	AddUser(ctx context.Context, login, password string) error
}

var _ Professional = (*Entity)(nil)

// ScriptExecutor runs SQL against a go-mssqldb DSN.
type ScriptExecutor interface {
	ExecuteScript(ctx context.Context, dsn, script string) (string, error)
}

// Options configures NewEntity.
type Options struct {
	// ID keys persisted state; defaults to "<instance>@<hostname>".
	ID       string
	Hostname string
	Instance Instance
	Machine  *remote.Machine
	SQL      ScriptExecutor
	// Store is optional; without it nothing survives the process.
	Store state.Store
	// PollInterval of the service.isUp feed; zero disables polling.
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Entity is one managed SQL Server instance.
type Entity struct {
	id       string
	hostname string
	inst     Instance
	driver   *Driver
	sql      ScriptExecutor
	store    state.Store

	sensors   *sensor.Registry
	effectors *effector.Registry

	pollInterval time.Duration
	logger       *zap.Logger

	// mu serialises lifecycle operations so remote commands never overlap.
	mu         sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewEntity builds the entity, restoring any persisted attributes. A blank
// sa password reuses the persisted one, or is generated.
func NewEntity(ctx context.Context, opts Options) (*Entity, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("machine is required")
	}
	if opts.Hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SQL == nil {
		opts.SQL = sqlexec.NewExecutor("", logger)
	}

	instanceName := opts.Instance.InstanceName
	if instanceName == "" {
		instanceName = DefaultInstanceName
	}
	id := opts.ID
	if id == "" {
		id = instanceName + "@" + opts.Hostname
	}

	e := &Entity{
		id:           id,
		hostname:     opts.Hostname,
		sql:          opts.SQL,
		store:        opts.Store,
		sensors:      sensor.NewRegistry(),
		pollInterval: opts.PollInterval,
		logger:       logger.Named("entity").With(zap.String("entity", id)),
	}

	if e.store != nil {
		snap, err := e.store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load state for %s: %w", id, err)
		}
		if snap != nil {
			if err := restoreSensors(e.sensors, snap); err != nil {
				return nil, fmt.Errorf("restore state for %s: %w", id, err)
			}
			e.logger.Info("Restored state", zap.Int("attributes", len(snap)))
		}
	}

	inst := opts.Instance
	supplied := inst.SAPassword != ""
	if !supplied {
		if pw, ok := sensor.Get(e.sensors, SAPassword); ok && pw != "" {
			inst.SAPassword = pw
		}
	}
	inst, err := inst.WithDefaults()
	if err != nil {
		return nil, err
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if supplied && !password.MeetsComplexity(inst.SAPassword) {
		e.logger.Warn("sa password does not cover three character classes; setup.exe may reject it")
	}
	e.inst = inst
	e.driver = NewDriver(opts.Machine, inst, logger)

	sensor.Set(e.sensors, HostName, opts.Hostname)
	sensor.Set(e.sensors, InstallMediaPath, inst.InstallMediaPath)
	sensor.Set(e.sensors, TCPPort, inst.TCPPort)
	sensor.Set(e.sensors, InstanceName, inst.InstanceName)
	sensor.Set(e.sensors, SAPassword, inst.SAPassword)
	if _, ok := sensor.Get(e.sensors, ServiceState); !ok {
		sensor.Set(e.sensors, ServiceState, StateCreated)
	}

	e.effectors = effector.NewRegistry(logger)
	e.registerEffectors()

	e.persist(ctx)
	return e, nil
}

// ID returns the entity ID used for persisted state.
func (e *Entity) ID() string { return e.id }

// Instance returns the resolved configuration.
func (e *Entity) Instance() Instance { return e.inst }

// Sensors returns the published attributes.
func (e *Entity) Sensors() *sensor.Registry { return e.sensors }

// Effectors returns the invocable operations.
func (e *Entity) Effectors() *effector.Registry { return e.effectors }

// State returns the current lifecycle state.
func (e *Entity) State() string {
	s, _ := sensor.Get(e.sensors, ServiceState)
	return s
}

// Start installs, configures and launches the instance, then connects the
// sensors. Any failure leaves the entity on-fire.
func (e *Entity) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setState(ctx, StateStarting)
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"install", e.driver.Install},
		{"customize", e.driver.Customize},
		{"launch", e.driver.Launch},
	}
	for _, s := range steps {
		e.logger.Info("Lifecycle step", zap.String("step", s.name))
		if err := s.fn(ctx); err != nil {
			e.setState(ctx, StateOnFire)
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	e.connectSensors(ctx)
	e.setState(ctx, StateRunning)
	return nil
}

// Stop stops the service and the service.isUp feed.
func (e *Entity) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setState(ctx, StateStopping)
	e.stopPoller()
	if err := e.driver.Stop(ctx); err != nil {
		e.setState(ctx, StateOnFire)
		return fmt.Errorf("stop: %w", err)
	}
	sensor.Set(e.sensors, ServiceUp, false)
	e.setState(ctx, StateStopped)
	return nil
}

// Restart stops and relaunches the service without reinstalling.
func (e *Entity) Restart(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setState(ctx, StateStarting)
	e.stopPoller()
	if err := e.driver.Stop(ctx); err != nil {
		e.setState(ctx, StateOnFire)
		return fmt.Errorf("restart: %w", err)
	}
	if err := e.driver.Launch(ctx); err != nil {
		e.setState(ctx, StateOnFire)
		return fmt.Errorf("restart: %w", err)
	}
	e.connectSensors(ctx)
	e.setState(ctx, StateRunning)
	return nil
}

// Install runs only the installer step.
func (e *Entity) Install(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driver.Install(ctx)
}

// Customize runs only the firewall and TCP port step.
func (e *Entity) Customize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driver.Customize(ctx)
}

// Launch starts the service and connects the sensors.
func (e *Entity) Launch(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.driver.Launch(ctx); err != nil {
		return err
	}
	e.connectSensors(ctx)
	e.persist(ctx)
	return nil
}

// IsRunning probes the service once.
func (e *Entity) IsRunning(ctx context.Context) bool {
	return e.driver.IsRunning(ctx)
}

// ExecuteScript runs commands as sa against the published datastore.url and
// returns the first result.
func (e *Entity) ExecuteScript(ctx context.Context, commands string) (string, error) {
	url, ok := sensor.Get(e.sensors, DatastoreURL)
	if !ok || url == "" {
		return "", ErrNotLaunched
	}
	dsn, err := sqlexec.DSNFromJDBC(url, "sa", e.inst.SAPassword)
	if err != nil {
		return "", err
	}
	return e.sql.ExecuteScript(ctx, dsn, commands)
}

// AddUser creates a server login and a user in master bound to it.
func (e *Entity) AddUser(ctx context.Context, login, pw string) error {
	if login == "" {
		return fmt.Errorf("addUser: %w %q", effector.ErrMissingParameter, "login")
	}
	if pw == "" {
		return fmt.Errorf("addUser: %w %q", effector.ErrMissingParameter, "password")
	}
	if !password.MeetsComplexity(pw) {
		e.logger.Warn("Password for new login does not cover three character classes", zap.String("login", login))
	}
	_, err := e.ExecuteScript(ctx, AddUserSQL(login, pw))
	return err
}

// Resume reconnects the sensors of an entity restored in the running state,
// so a restarted daemon keeps feeding service.isUp. It reports whether the
// entity was running.
func (e *Entity) Resume(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateRunning {
		return false
	}
	e.connectSensors(ctx)
	e.persist(ctx)
	return true
}

// Close stops the service.isUp feed. The instance is left as it is.
func (e *Entity) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopPoller()
}

// connectSensors publishes datastore.url, probes once and starts the feed.
// Caller holds mu.
func (e *Entity) connectSensors(ctx context.Context) {
	url := sqlexec.JDBCURL(e.hostname, e.inst.TCPPort)
	if cur, ok := sensor.Get(e.sensors, DatastoreURL); !ok || cur != url {
		sensor.Set(e.sensors, DatastoreURL, url)
	}
	up := e.driver.IsRunning(ctx)
	sensor.Set(e.sensors, ServiceUp, up)
	if !up {
		e.logger.Warn("Service not RUNNING after launch", zap.String("service", e.inst.ServiceName()))
	}
	e.startPoller()
}

// startPoller runs the service.isUp feed. Caller holds mu.
func (e *Entity) startPoller() {
	if e.pollInterval <= 0 || e.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.pollCancel, e.pollDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.pollOnce(ctx)
			}
		}
	}()
}

// stopPoller cancels the feed and waits for it. Caller holds mu.
func (e *Entity) stopPoller() {
	if e.pollCancel == nil {
		return
	}
	e.pollCancel()
	<-e.pollDone
	e.pollCancel, e.pollDone = nil, nil
}

func (e *Entity) pollOnce(ctx context.Context) {
	// skip the tick while a lifecycle operation owns the machine
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()

	up := e.driver.IsRunning(ctx)
	prev, known := sensor.Get(e.sensors, ServiceUp)
	sensor.Set(e.sensors, ServiceUp, up)
	if !known || prev != up {
		e.logger.Info("service.isUp changed", zap.Bool("up", up))
		e.persist(ctx)
	}
}

func (e *Entity) setState(ctx context.Context, s string) {
	e.logger.Info("Lifecycle state", zap.String("state", s))
	sensor.Set(e.sensors, ServiceState, s)
	e.persist(ctx)
}

func (e *Entity) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	snap, err := e.sensors.Snapshot()
	if err != nil {
		e.logger.Warn("Failed to snapshot sensors", zap.Error(err))
		return
	}
	if err := e.store.Save(ctx, e.id, snap); err != nil {
		e.logger.Warn("Failed to save state", zap.Error(err))
	}
}
