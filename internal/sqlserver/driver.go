package sqlserver

import (
	"context"
	"fmt"

	"github.com/cloudsoft/mssqlpro/internal/remote"
	"go.uber.org/zap"
)

// Driver runs the install and service commands for one instance.
type Driver struct {
	machine *remote.Machine
	inst    Instance
	logger  *zap.Logger
}

// NewDriver returns a Driver for inst on machine.
func NewDriver(machine *remote.Machine, inst Instance, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		machine: machine,
		inst:    inst,
		logger:  logger.Named("sqlserver").With(zap.String("instance", inst.InstanceName)),
	}
}

// Instance returns the driver's configuration.
func (d *Driver) Instance() Instance { return d.inst }

// Install copies the rendered ConfigurationFile.ini to the host and runs the
// unattended installer.
func (d *Driver) Install(ctx context.Context) error {
	ini, err := RenderConfigurationFile(d.inst)
	if err != nil {
		return err
	}
	if err := d.machine.CopyContent(ctx, "Copy configuration file", ini, d.inst.RemoteConfigPath); err != nil {
		return err
	}
	return d.machine.RunCommand(ctx, "Install", d.inst.SetupCommand())
}

// Customize opens the TCP port in the firewall and points the instance's
// IPAll listener at it.
func (d *Driver) Customize(ctx context.Context) error {
	if err := d.machine.RunCommand(ctx, "Open firewall port", FirewallCommand(d.inst.TCPPort)); err != nil {
		return err
	}
	return d.machine.RunPowerShell(ctx, "Enable TCP/IP port", TCPPortScript(d.inst.WMINamespace, d.inst.TCPPort))
}

// Launch switches the service to automatic start and starts it. The service
// is stopped first in case the installer left it running; that stop may fail.
func (d *Driver) Launch(ctx context.Context) error {
	svc := d.inst.ServiceName()
	d.machine.RunCommandIgnoringError(ctx, "Stop service", "sc stop "+svc)
	if err := d.machine.RunCommand(ctx, "Set service to auto start", fmt.Sprintf("sc config %s start= auto", svc)); err != nil {
		return err
	}
	return d.machine.RunCommand(ctx, "Start service", "sc start "+svc)
}

// Stop switches the service to manual start and stops it.
func (d *Driver) Stop(ctx context.Context) error {
	svc := d.inst.ServiceName()
	if err := d.machine.RunCommand(ctx, "Set service to manual start", fmt.Sprintf("sc config %s start= demand", svc)); err != nil {
		return err
	}
	return d.machine.RunCommand(ctx, "Stop service", "sc stop "+svc)
}

// IsRunning reports whether the service control manager shows the service
// RUNNING. Stopped, missing and unreachable all read as false.
func (d *Driver) IsRunning(ctx context.Context) bool {
	code, err := d.machine.ExecCommand(ctx, "Query service status", QueryCommand(d.inst.ServiceName()))
	if err != nil {
		d.logger.Debug("Service query failed", zap.Error(err))
		return false
	}
	// find exits 0 when the marker is present, 1 when it is not
	return code == 0
}

// FirewallCommand opens port for inbound TCP on every profile.
func FirewallCommand(port int) string {
	return fmt.Sprintf("netsh advfirewall firewall add rule name=SQLPort dir=in protocol=tcp action=allow localport=%d remoteip=any profile=any", port)
}

// TCPPortScript sets the IPAll TcpPort property through WMI.
func TCPPortScript(namespace string, port int) string {
	return fmt.Sprintf(`( Get-WmiObject -Namespace "root\Microsoft\SqlServer\%s" -Query "Select * from ServerNetworkProtocolProperty where ProtocolName='Tcp' and IPAddressName='IPAll' and PropertyName='TcpPort'" ).SetStringValue("%d")`,
		namespace, port)
}

// QueryCommand exits 0 only when svc is RUNNING.
func QueryCommand(svc string) string {
	return fmt.Sprintf(`sc query "%s" | find "RUNNING"`, svc)
}
