package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// PostgresConnectionString renders the key=value DSN consumed by pgx.
// The password is the only value an operator controls freely, so it is
// single-quoted with backslash escaping to survive spaces and '='.
func (c *Config) PostgresConnectionString() string {
	password := strings.ReplaceAll(c.PostgresPassword, `\`, `\\`)
	password = strings.ReplaceAll(password, `'`, `\'`)

	return fmt.Sprintf("host=%s port=%d user=%s password='%s' dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser,
		password, c.PostgresDBName, c.PostgresSSLMode)
}

// PostgresURL renders the postgres:// URL golang-migrate expects.
// url.URL handles percent-encoding of credentials.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     c.PostgresDBName,
		RawQuery: "sslmode=" + c.PostgresSSLMode,
	}
	return u.String()
}

// parseDatabaseURL folds a DATABASE_URL environment variable into the
// postgres_* fields. Cloud platforms hand out connection info as a single
// URL; when present it wins over the individual settings. Components
// absent from the URL keep their configured values.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL scheme %q, want postgres:// or postgresql://", u.Scheme)
	}

	if host := u.Hostname(); host != "" {
		c.PostgresHost = host
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid port in DATABASE_URL: %w", err)
		}
		c.PostgresPort = port
	}
	if u.User != nil {
		if user := u.User.Username(); user != "" {
			c.PostgresUser = user
		}
		if password, ok := u.User.Password(); ok {
			c.PostgresPassword = password
		}
	}
	if u.Path != "" {
		c.PostgresDBName = strings.TrimPrefix(u.Path, "/")
	}
	if sslmode := u.Query().Get("sslmode"); sslmode != "" {
		c.PostgresSSLMode = sslmode
	}

	return nil
}
