package sqlserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudsoft/mssqlpro/internal/effector"
)

// AddUserSQL is the script run by addUser. Logins are bracket-quoted and the
// password is an N'' literal, so neither can end its token early.
func AddUserSQL(login, password string) string {
	ident := quoteIdentifier(login)
	return fmt.Sprintf("USE master;\n"+
		" CREATE LOGIN %s with password=N'%s';\n"+
		" CREATE USER %s FOR LOGIN %s;\n",
		ident, strings.ReplaceAll(password, "'", "''"), ident, ident)
}

func quoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (e *Entity) registerEffectors() {
	e.effectors.Register(effector.Effector{
		Name:        "start",
		Description: "Install, configure and launch SQL Server",
		Handler: func(ctx context.Context, _ effector.Params) (any, error) {
			return nil, e.Start(ctx)
		},
	})
	e.effectors.Register(effector.Effector{
		Name:        "stop",
		Description: "Stop SQL Server and set it to manual start",
		Handler: func(ctx context.Context, _ effector.Params) (any, error) {
			return nil, e.Stop(ctx)
		},
	})
	e.effectors.Register(effector.Effector{
		Name:        "restart",
		Description: "Stop and relaunch SQL Server",
		Handler: func(ctx context.Context, _ effector.Params) (any, error) {
			return nil, e.Restart(ctx)
		},
	})
	e.effectors.Register(effector.Effector{
		Name:        "executeScript",
		Description: "Execute a SQL script",
		Params: []effector.Param{
			{Name: "commands", Description: "SQL to execute", Required: true},
		},
		Handler: func(ctx context.Context, p effector.Params) (any, error) {
			return e.ExecuteScript(ctx, p.String("commands"))
		},
	})
	e.effectors.Register(effector.Effector{
		Name:        "addUser",
		Description: "Add a login and a user in master",
		Params: []effector.Param{
			{Name: "login", Description: "Login name", Required: true},
			{Name: "password", Description: "Login password", Required: true},
		},
		Handler: func(ctx context.Context, p effector.Params) (any, error) {
			return nil, e.AddUser(ctx, p.String("login"), p.String("password"))
		},
	})
}
