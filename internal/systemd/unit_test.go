package systemd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ppiankov/dropwatch/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Logging:  config.LoggingConfig{Output: "/var/log/dropwatch/dropwatch.log"},
		Instance: config.InstanceConfig{PIDFile: "/run/dropwatch/dropwatch.pid", ShutdownTimeout: 30 * time.Second},
		Repositories: map[string]config.RepositoryConfig{
			"seen":  {Type: "badger", Options: map[string]any{"path": "/var/lib/dropwatch/badger"}},
			"keys":  {Type: "sql", Options: map[string]any{"dsn": "/var/lib/dropwatch/keys.db"}},
			"cache": {Type: "memory"},
		},
		Routes: []config.RouteConfig{
			{Name: "a", From: config.ConsumerConfig{Dir: "/srv/in"}, To: &config.ProducerConfig{Dir: "/srv/out"}},
			{Name: "b", From: config.ConsumerConfig{Dir: "/srv/in"}},
		},
	}
}

func TestUnit(t *testing.T) {
	unit := Unit(testConfig(), UnitOptions{ConfigPath: "/etc/dropwatch/config.yaml", User: "dropwatch"})

	for _, section := range []string{"[Unit]", "[Service]", "[Install]"} {
		assert.Contains(t, unit, section)
	}
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/dropwatch run --config /etc/dropwatch/config.yaml")
	assert.Contains(t, unit, "User=dropwatch")
	assert.Contains(t, unit, "TimeoutStopSec=35")
	for _, directive := range []string{"NoNewPrivileges=true", "ProtectSystem=strict", "PrivateTmp=true"} {
		assert.Contains(t, unit, directive)
	}
	assert.Equal(t, 1, strings.Count(unit, "ReadWritePaths=/srv/in\n"), "duplicate directories are listed once")
}

func TestWritablePaths(t *testing.T) {
	assert.Equal(t, []string{
		"/run/dropwatch",
		"/srv/in",
		"/srv/out",
		"/var/lib/dropwatch",
		"/var/log/dropwatch",
	}, WritablePaths(testConfig()))
}

func TestWritablePathsSkipsConsoleLogging(t *testing.T) {
	cfg := &config.Config{
		Logging: config.LoggingConfig{Output: "stderr"},
		Routes:  []config.RouteConfig{{Name: "a", From: config.ConsumerConfig{Dir: "/srv/in"}}},
	}
	assert.Equal(t, []string{"/srv/in"}, WritablePaths(cfg))
}
