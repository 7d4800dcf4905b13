package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudsoft/mssqlpro/internal/grpcserver"
	"github.com/cloudsoft/mssqlpro/internal/remote"
	"github.com/cloudsoft/mssqlpro/internal/sdnotify"
	"github.com/cloudsoft/mssqlpro/internal/sensor"
	"github.com/cloudsoft/mssqlpro/internal/sqlexec"
	"github.com/cloudsoft/mssqlpro/internal/sqlserver"
	"github.com/cloudsoft/mssqlpro/internal/sshexec"
	"github.com/cloudsoft/mssqlpro/internal/state"
	"github.com/cloudsoft/mssqlpro/internal/winrm"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// Daemon owns the collaborators of one SQL Server entity.
type Daemon struct {
	config *Config
	logger *zap.Logger
	store  state.Store
	entity *sqlserver.Entity

	// closers run in reverse order on Close
	closers []func()
}

// New connects the configured transport and state backend and builds the
// entity. Nothing is run on the remote machine yet.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Daemon, error) {
	runner, closeRunner := buildRunner(cfg, logger)
	d, err := newDaemon(ctx, cfg, runner, logger)
	if err != nil {
		closeRunner()
		return nil, err
	}
	d.closers = append(d.closers, closeRunner)
	return d, nil
}

func newDaemon(ctx context.Context, cfg *Config, runner remote.Runner, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daemon{config: cfg, logger: logger.Named("daemon")}

	store, err := state.Open(ctx, cfg.StateOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	d.store = store

	machine := remote.NewMachine(runner, cfg.Machine.RemoteTempDir, logger)
	entity, err := sqlserver.NewEntity(ctx, sqlserver.Options{
		ID:           cfg.EntityID,
		Hostname:     cfg.Machine.Hostname,
		Instance:     cfg.Instance(),
		Machine:      machine,
		SQL:          sqlexec.NewExecutor("", logger),
		Store:        store,
		PollInterval: cfg.Poll(),
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	d.entity = entity
	d.closers = append(d.closers, func() {
		if err := store.Close(); err != nil {
			d.logger.Warn("Failed to close state store", zap.Error(err))
		}
	})

	d.logger.Info("Entity ready",
		zap.String("entity", entity.ID()),
		zap.String("host", cfg.Machine.Hostname),
		zap.String("transport", cfg.Machine.Transport),
		zap.String("service", entity.Instance().ServiceName()),
		zap.String("state", entity.State()))
	return d, nil
}

// buildRunner returns the remote.Runner for machine.transport and a func
// releasing its connections.
func buildRunner(cfg *Config, logger *zap.Logger) (remote.Runner, func()) {
	m := cfg.Machine
	timeout := cfg.CommandTimeout()

	if m.Transport == TransportSSH {
		exec := sshexec.NewExecutor(m.KnownHostsPath, logger)
		target := &sshexec.Target{
			Hostname:       m.Hostname,
			Port:           m.Port,
			Username:       m.Username,
			Password:       m.Password,
			PrivateKeyPath: m.PrivateKeyPath,
		}
		return sshexec.NewRunner(exec, target, timeout), exec.CloseAll
	}

	exec := winrm.NewExecutor(logger)
	target := &winrm.Target{
		Hostname:  m.Hostname,
		Port:      m.Port,
		Username:  m.Username,
		Password:  m.Password,
		UseSSL:    m.UseSSL,
		VerifySSL: m.VerifySSL,
		UseBasic:  m.UseBasicAuth,
	}
	return winrm.NewRunner(exec, target, timeout), func() { exec.InvalidateSession(m.Hostname) }
}

// Entity returns the managed entity.
func (d *Daemon) Entity() *sqlserver.Entity { return d.entity }

// Close stops the entity's feed and releases connections.
func (d *Daemon) Close() {
	if d.entity != nil {
		d.entity.Close()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Serve runs the health endpoint and the service.isUp feed until ctx is
// cancelled. With autoStart, an entity that is not running is started first.
func (d *Daemon) Serve(ctx context.Context, autoStart bool) error {
	d.logger.Info("mssqlpro serving", zap.String("version", Version), zap.Duration("poll_interval", d.config.Poll()))

	health := grpcserver.NewServer(grpcserver.Config{
		Addr:        d.config.GRPCAddr,
		TLSCertFile: d.config.GRPCTLSCert,
		TLSKeyFile:  d.config.GRPCTLSKey,
		Service:     d.config.HealthService(),
	}, d.logger)
	lis, err := health.Listen()
	if err != nil {
		return err
	}

	sensors := d.entity.Sensors()
	if up, ok := sensor.Get(sensors, sqlserver.ServiceUp); ok {
		health.SetUp(up)
	}
	sensors.Subscribe(func(c sensor.Change) {
		switch c.Name {
		case sqlserver.ServiceUp.Name:
			up, _ := c.Value.(bool)
			health.SetUp(up)
		case sqlserver.ServiceState.Name:
			s, _ := c.Value.(string)
			d.notifyState(s)
		}
	})

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := health.Serve(lis); err != nil {
			serveErr <- err
		}
	}()

	if !d.entity.Resume(ctx) && autoStart {
		if err := d.entity.Start(ctx); err != nil {
			d.logger.Error("Start failed", zap.Error(err))
		}
	}
	d.notifyState(d.entity.State())

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		d.logger.Error("gRPC server error", zap.Error(err))
	}

	d.logger.Info("Shutting down")
	if err := sdnotify.Stopping(); err != nil {
		d.logger.Debug("sd_notify STOPPING failed", zap.Error(err))
	}
	d.entity.Close()
	health.GracefulStop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		d.logger.Warn("gRPC drain timed out")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Daemon) notifyState(s string) {
	var err error
	if s == sqlserver.StateRunning {
		err = sdnotify.Ready(s)
	} else {
		err = sdnotify.Status(s)
	}
	if err != nil {
		d.logger.Debug("sd_notify failed", zap.String("state", s), zap.Error(err))
	}
}
