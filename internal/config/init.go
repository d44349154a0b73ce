package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// sectionComments are attached above the matching keys of the sample file.
var sectionComments = map[string]string{
	"logging":                 "Logging: level is debug|info|warn|error, format is text|json, output is stdout|stderr|<path>.",
	"instance":                "Process settings. pid_file keeps a second instance away; reload restarts routes when this file changes.",
	"idempotent_repositories": "Named idempotent repositories (memory, journal, badger, sql) routes can share.",
	"routes":                  "Each route polls one directory and optionally writes every file into another.",
	"read_lock":               "none | markerFile | rename | changed | osLock",
	"move":                    "Where committed files go. Relative paths resolve against the file's directory.",
	"move_failed":             "Where files go when processing fails. Unset leaves them for the next poll.",
	"done_file_name":          "Only consume files whose done-file exists, e.g. ${file:name}.done",
	"file_exist":              "Override | Append | Fail | Ignore | Move",
	"temp_prefix":             "Write under this prefix, then rename into place.",
}

// durationKeys are rendered as Go duration strings instead of nanoseconds.
var durationKeys = map[string]bool{
	"shutdown_timeout":         true,
	"initial_delay":            true,
	"delay":                    true,
	"read_lock_timeout":        true,
	"read_lock_check_interval": true,
	"read_lock_min_age":        true,
}

// SampleConfig is the configuration written by init.
func SampleConfig() *Config {
	idempotent := true
	cfg := &Config{
		Instance: InstanceConfig{Reload: true},
		Repositories: map[string]RepositoryConfig{
			"processed": {Type: "badger", Options: map[string]any{"path": filepath.Join(ConfigDir(), "idempotent")}},
		},
		Routes: []RouteConfig{{
			Name: "inbox",
			From: ConsumerConfig{
				Dir:                  "/var/spool/dropwatch/inbox",
				ReadLock:             "changed",
				ReadLockTimeout:      10 * time.Second,
				Move:                 ".done/${file:onlyname}",
				MoveFailed:           ".error/${file:onlyname}",
				Idempotent:           &idempotent,
				IdempotentRepository: "processed",
				MaxMessagesPerPoll:   100,
			},
			To: &ProducerConfig{
				Dir:        "/var/spool/dropwatch/outbox",
				TempPrefix: ".inflight-",
			},
		}},
	}
	ApplyDefaults(cfg)
	return cfg
}

// InitConfigToPath writes the sample configuration to path. An existing file
// is kept unless force is set.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	content, err := generateYAMLWithComments(SampleConfig())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	decorate(&doc)

	var buf bytes.Buffer
	buf.WriteString("# dropwatch configuration\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// decorate walks mapping nodes, adds comments and rewrites durations.
func decorate(n *yaml.Node) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if c, ok := sectionComments[key.Value]; ok {
				key.HeadComment = c
			}
			if durationKeys[key.Value] && val.Kind == yaml.ScalarNode {
				if ns, err := strconv.ParseInt(val.Value, 10, 64); err == nil {
					val.Value = formatDuration(time.Duration(ns))
					val.Tag = "!!str"
				}
			}
		}
	}
	for _, child := range n.Content {
		decorate(child)
	}
}

// formatDuration drops the zero units time.Duration.String leaves behind.
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
