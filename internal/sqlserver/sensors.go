package sqlserver

import (
	"encoding/json"

	"github.com/cloudsoft/mssqlpro/internal/sensor"
)

// Lifecycle states published on ServiceState.
const (
	StateCreated  = "created"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateOnFire   = "on-fire"
)

// Published attributes.
var (
	HostName     = sensor.NewKey[string]("host.name", "Host name of the Windows machine")
	DatastoreURL = sensor.NewKey[string]("datastore.url", "JDBC URL of the instance")
	ServiceUp    = sensor.NewKey[bool]("service.isUp", "Whether the SQL Server service is RUNNING")
	ServiceState = sensor.NewKey[string]("service.state", "Lifecycle state of the entity")

	InstallMediaPath = sensor.NewKey[string]("mssql.installMedia.path", "Directory containing setup.exe")
	TCPPort          = sensor.NewKey[int]("mssql.tcpPort", "TCP port the instance listens on")
	InstanceName     = sensor.NewKey[string]("mssql.instanceName", "SQL Server instance name")
	SAPassword       = sensor.NewKey[string]("mssql.saPassword", "Password of the sa login")
)

// restoreSensors loads the persisted attributes. Configuration-derived
// sensors are not restored; they always reflect the current Instance.
func restoreSensors(r *sensor.Registry, snap map[string]json.RawMessage) error {
	if err := sensor.Restore(r, HostName, snap); err != nil {
		return err
	}
	if err := sensor.Restore(r, DatastoreURL, snap); err != nil {
		return err
	}
	if err := sensor.Restore(r, ServiceUp, snap); err != nil {
		return err
	}
	if err := sensor.Restore(r, ServiceState, snap); err != nil {
		return err
	}
	return sensor.Restore(r, SAPassword, snap)
}
