// Package systemd renders a service unit for running dropwatch under
// systemd with a filesystem sandbox limited to the configured directories.
package systemd

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppiankov/dropwatch/internal/config"
)

// DefaultBinary is where packages install the dropwatch binary.
const DefaultBinary = "/usr/local/bin/dropwatch"

// UnitOptions parameterize Unit.
type UnitOptions struct {
	Binary     string
	ConfigPath string
	User       string
}

// Unit returns a unit file that runs every route of cfg. ProtectSystem=strict
// leaves only the directories the routes, repositories, PID file and log
// file touch writable.
func Unit(cfg *config.Config, opts UnitOptions) string {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	configPath, _ := filepath.Abs(opts.ConfigPath)

	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=dropwatch file routes\n")
	b.WriteString("After=local-fs.target network-online.target\n")
	b.WriteString("Wants=network-online.target\n\n")

	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	if opts.User != "" {
		fmt.Fprintf(&b, "User=%s\n", opts.User)
	}
	fmt.Fprintf(&b, "ExecStart=%s run --config %s\n", opts.Binary, configPath)
	b.WriteString("ExecReload=/bin/kill -HUP $MAINPID\n")
	b.WriteString("KillSignal=SIGTERM\n")
	// Leave room for in-flight files to commit.
	fmt.Fprintf(&b, "TimeoutStopSec=%d\n", int(cfg.Instance.ShutdownTimeout.Seconds())+5)
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=2\n")
	b.WriteString("NoNewPrivileges=true\n")
	b.WriteString("PrivateTmp=true\n")
	b.WriteString("ProtectSystem=strict\n")
	b.WriteString("ProtectHome=read-only\n")
	b.WriteString("ProtectKernelTunables=true\n")
	b.WriteString("RestrictNamespaces=true\n")
	for _, dir := range WritablePaths(cfg) {
		fmt.Fprintf(&b, "ReadWritePaths=%s\n", dir)
	}
	b.WriteString("\n[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String()
}

// WritablePaths lists the directories dropwatch writes to, sorted and
// without duplicates.
func WritablePaths(cfg *config.Config) []string {
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" {
			return
		}
		if abs, err := filepath.Abs(p); err == nil {
			seen[abs] = true
		}
	}

	for _, r := range cfg.Routes {
		add(r.From.Dir)
		if r.To != nil {
			add(r.To.Dir)
		}
	}
	for _, repo := range cfg.Repositories {
		switch repo.Type {
		case "journal", "badger":
			if p, ok := repo.Options["path"].(string); ok {
				add(filepath.Dir(p))
			}
		case "sql":
			dialect, _ := repo.Options["dialect"].(string)
			if dsn, ok := repo.Options["dsn"].(string); ok && (dialect == "" || dialect == "sqlite") {
				add(filepath.Dir(strings.TrimPrefix(dsn, "file:")))
			}
		}
	}
	if cfg.Instance.PIDFile != "" {
		add(filepath.Dir(cfg.Instance.PIDFile))
	}
	switch cfg.Logging.Output {
	case "", "stdout", "stderr":
	default:
		add(filepath.Dir(cfg.Logging.Output))
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
