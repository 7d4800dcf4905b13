// Package sqlserver installs and manages a SQL Server Professional instance on
// a remote Windows host.
//
// Install, Customize, Launch and Stop are sequences of cmd.exe and PowerShell
// commands run through a remote.Machine; IsRunning asks the service control
// manager. Entity wraps the driver with published sensors, effectors and
// persisted state.
package sqlserver

import (
	"fmt"
	"strings"

	"github.com/cloudsoft/mssqlpro/internal/password"
)

// Defaults for an Instance.
const (
	DefaultInstallMediaPath = `C:\sqlmedia`
	DefaultTCPPort          = 1433
	DefaultInstanceName     = "BROOKLYN"
	DefaultFeatures         = "SQLENGINE,CONN,BC,SDK,SSMS,ADV_SSMS"
	DefaultWMINamespace     = "ComputerManagement10"
	DefaultRemoteConfigPath = `C:\ConfigurationFile.ini`
)

// Instance is the configuration of one SQL Server deployment. It is fixed
// once installation begins and is passed by value to every step.
type Instance struct {
	InstallMediaPath string
	TCPPort          int
	InstanceName     string
	SAPassword       string

	// Features is the installer FEATURES list.
	Features string
	// WMINamespace under root\Microsoft\SqlServer holding the network
	// protocol settings; ComputerManagement10 is SQL Server 2008.
	WMINamespace string
	// ConfigurationTemplate is a local file replacing the embedded
	// ConfigurationFile.ini template.
	ConfigurationTemplate string
	RemoteConfigPath      string
}

// DefaultInstance returns an Instance with every default applied and no
// sa password.
func DefaultInstance() Instance {
	return Instance{
		InstallMediaPath: DefaultInstallMediaPath,
		TCPPort:          DefaultTCPPort,
		InstanceName:     DefaultInstanceName,
		Features:         DefaultFeatures,
		WMINamespace:     DefaultWMINamespace,
		RemoteConfigPath: DefaultRemoteConfigPath,
	}
}

// WithDefaults fills unset fields. A blank sa password is generated.
func (i Instance) WithDefaults() (Instance, error) {
	d := DefaultInstance()
	if i.InstallMediaPath == "" {
		i.InstallMediaPath = d.InstallMediaPath
	}
	if i.TCPPort == 0 {
		i.TCPPort = d.TCPPort
	}
	if i.InstanceName == "" {
		i.InstanceName = d.InstanceName
	}
	if i.Features == "" {
		i.Features = d.Features
	}
	if i.WMINamespace == "" {
		i.WMINamespace = d.WMINamespace
	}
	if i.RemoteConfigPath == "" {
		i.RemoteConfigPath = d.RemoteConfigPath
	}
	if strings.TrimSpace(i.SAPassword) == "" {
		pw, err := password.Generate()
		if err != nil {
			return i, fmt.Errorf("generate sa password: %w", err)
		}
		i.SAPassword = pw
	}
	return i, nil
}

// Validate checks the fields the remote commands depend on.
func (i Instance) Validate() error {
	if i.TCPPort < 1 || i.TCPPort > 65535 {
		return fmt.Errorf("tcp port %d out of range", i.TCPPort)
	}
	if i.InstanceName == "" {
		return fmt.Errorf("instance name is required")
	}
	if strings.ContainsAny(i.InstanceName, ` "\/:$&|<>`) {
		return fmt.Errorf("instance name %q contains characters not allowed in a service name", i.InstanceName)
	}
	if i.InstallMediaPath == "" {
		return fmt.Errorf("install media path is required")
	}
	return nil
}

// ServiceName returns the Windows service name of the instance.
func (i Instance) ServiceName() string {
	return ServiceName(i.InstanceName)
}

// ServiceName returns "MSSQL$" + instanceName.
func ServiceName(instanceName string) string {
	return "MSSQL$" + instanceName
}

// SetupCommand is the unattended installer command line.
func (i Instance) SetupCommand() string {
	media := i.InstallMediaPath
	if !strings.HasSuffix(media, `\`) {
		media += `\`
	}
	return fmt.Sprintf("%ssetup.exe /ConfigurationFile=%s", media, i.RemoteConfigPath)
}
