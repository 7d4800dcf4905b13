// mssqlpro installs and manages SQL Server Professional on a remote Windows
// host over WinRM or SSH.
//
// Usage:
//
//	mssqlpro --config /etc/mssqlpro/config.yaml start
//	mssqlpro --config /etc/mssqlpro/config.yaml exec "SELECT @@VERSION"
//	mssqlpro --config /etc/mssqlpro/config.yaml serve --start
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudsoft/mssqlpro/internal/daemon"
	"github.com/cloudsoft/mssqlpro/internal/effector"
	"github.com/cloudsoft/mssqlpro/internal/grpcserver"
	"github.com/cloudsoft/mssqlpro/internal/password"
	"github.com/cloudsoft/mssqlpro/internal/sensor"
	"github.com/cloudsoft/mssqlpro/internal/sqlserver"
)

var (
	configPath string
	grpcAddr   string
	grpcCA     string
	autoStart  bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mssqlpro",
		Short: "Install and manage SQL Server Professional on a remote Windows host",
		Long: `mssqlpro drives an unattended SQL Server install on a Windows machine over
WinRM or SSH, configures its TCP listener and firewall, manages the
MSSQL$<instance> service and runs SQL against the instance as sa.`,
		Version:       daemon.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/mssqlpro/config.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		effectorCommand("start", "Install, configure and start SQL Server", cobra.NoArgs, nil),
		effectorCommand("stop", "Stop SQL Server and set the service to manual start", cobra.NoArgs, nil),
		effectorCommand("restart", "Stop and relaunch SQL Server", cobra.NoArgs, nil),
		effectorCommand("exec <sql>", "Execute SQL as sa and print the first result", cobra.MinimumNArgs(1),
			func(args []string) effector.Params {
				return effector.Params{"commands": strings.Join(args, " ")}
			}),
		effectorCommand("add-user <login> <password>", "Create a login and a user in master", cobra.ExactArgs(2),
			func(args []string) effector.Params {
				return effector.Params{"login": args[0], "password": args[1]}
			}),
		statusCommand(),
		effectorsCommand(),
		serveCommand(),
		&cobra.Command{
			Use:   "password",
			Short: "Print a generated sa-style password",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				pw, err := password.Generate()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pw)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "mssqlpro %s\n", daemon.Version)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withDaemon loads config, builds the daemon and runs fn.
func withDaemon(ctx context.Context, fn func(*daemon.Daemon) error) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := daemon.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	d, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

// effectorCommand maps a subcommand onto the entity effector of the same
// name (first word of use, with CLI spelling translated).
func effectorCommand(use, short string, args cobra.PositionalArgs, params func([]string) effector.Params) *cobra.Command {
	name := strings.Fields(use)[0]
	effectorName := map[string]string{"exec": "executeScript", "add-user": "addUser"}[name]
	if effectorName == "" {
		effectorName = name
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			var p effector.Params
			if params != nil {
				p = params(argv)
			}
			return withDaemon(cmd.Context(), func(d *daemon.Daemon) error {
				effectors := d.Entity().Effectors()
				out := cmd.OutOrStdout()
				if jsonOutput {
					res := effectors.InvokeResult(cmd.Context(), effectorName, p)
					if err := json.NewEncoder(out).Encode(res); err != nil {
						return err
					}
					if !res.Success {
						return fmt.Errorf("%s: %s", effectorName, res.Error)
					}
					return nil
				}

				v, err := effectors.Invoke(cmd.Context(), effectorName, p)
				if err != nil {
					return err
				}
				switch {
				case v != nil:
					fmt.Fprintln(out, v)
				default:
					fmt.Fprintf(out, "%s: %s\n", effectorName, d.Entity().State())
				}
				return nil
			})
		},
	}
}

func statusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the entity's sensors, or query a running serve over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if grpcAddr != "" {
				return grpcStatus(cmd)
			}
			return withDaemon(cmd.Context(), func(d *daemon.Daemon) error {
				e := d.Entity()
				// probe now rather than trusting the persisted value
				sensor.Set(e.Sensors(), sqlserver.ServiceUp, e.IsRunning(cmd.Context()))

				snap, err := e.Sensors().Snapshot()
				if err != nil {
					return err
				}
				delete(snap, sqlserver.SAPassword.Name)

				out := cmd.OutOrStdout()
				if jsonOutput {
					return json.NewEncoder(out).Encode(snap)
				}
				for _, name := range e.Sensors().Names() {
					if v, ok := snap[name]; ok {
						fmt.Fprintf(out, "%-26s %s\n", name, v)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "Address of a running 'mssqlpro serve' health endpoint")
	cmd.Flags().StringVar(&grpcCA, "grpc-ca", "", "PEM CA bundle for a TLS health endpoint (default: grpc_tls_cert from the config)")
	return cmd
}

func effectorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "effectors",
		Short: "List the entity's effectors and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDaemon(cmd.Context(), func(d *daemon.Daemon) error {
				list := d.Entity().Effectors().List()
				out := cmd.OutOrStdout()
				if jsonOutput {
					return json.NewEncoder(out).Encode(list)
				}
				for _, e := range list {
					fmt.Fprintf(out, "%-14s %s\n", e.Name, e.Description)
					for _, p := range e.Params {
						req := ""
						if p.Required {
							req = " (required)"
						}
						fmt.Fprintf(out, "    %-10s %s%s\n", p.Name, p.Description, req)
					}
				}
				return nil
			})
		},
	}
}

// healthCA picks the CA bundle used to verify the health endpoint: the
// --grpc-ca flag, else the server's own certificate when serve runs with TLS.
func healthCA(flag string, cfg *daemon.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.GRPCTLSCert
}

func grpcStatus(cmd *cobra.Command) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	creds, err := grpcserver.ClientCredentials(healthCA(grpcCA, cfg))
	if err != nil {
		return err
	}
	status, err := grpcserver.Check(ctx, grpcAddr, cfg.HealthService(), creds)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.HealthService(), status)
	return nil
}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Feed service.isUp and serve gRPC health until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDaemon(cmd.Context(), func(d *daemon.Daemon) error {
				return d.Serve(cmd.Context(), autoStart)
			})
		},
	}
	cmd.Flags().BoolVar(&autoStart, "start", false, "Start the entity first if it is not running")
	return cmd
}
