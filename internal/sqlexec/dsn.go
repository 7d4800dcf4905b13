package sqlexec

import (
	"fmt"
	"net/url"
	"strings"
)

const jdbcPrefix = "jdbc:sqlserver://"

// JDBCURL formats the published connection descriptor for host and port.
func JDBCURL(host string, port int) string {
	return fmt.Sprintf("%s%s:%d", jdbcPrefix, host, port)
}

// jdbcProperties maps JDBC connection properties onto go-mssqldb parameters.
var jdbcProperties = map[string]string{
	"databasename":           "database",
	"database":               "database",
	"encrypt":                "encrypt",
	"trustservercertificate": "TrustServerCertificate",
	"logintimeout":           "connection timeout",
	"applicationname":        "app name",
}

// DSNFromJDBC converts "jdbc:sqlserver://host:port[;prop=value...]" into a
// go-mssqldb URL carrying user and password.
func DSNFromJDBC(jdbcURL, user, password string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(jdbcURL), jdbcPrefix) {
		return "", fmt.Errorf("not a SQL Server JDBC URL: %q", jdbcURL)
	}
	rest := jdbcURL[len(jdbcPrefix):]

	parts := strings.Split(rest, ";")
	hostPort := parts[0]
	if hostPort == "" {
		return "", fmt.Errorf("JDBC URL has no host: %q", jdbcURL)
	}

	query := url.Values{}
	query.Set("app name", "mssqlpro")
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		if mapped, known := jdbcProperties[strings.ToLower(strings.TrimSpace(k))]; known {
			query.Set(mapped, strings.TrimSpace(v))
		}
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(user, password),
		Host:     hostPort,
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

// redactDSN hides the password of a URL-form DSN for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
