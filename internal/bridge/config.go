package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var ErrNoProjects = errors.New("bridge config lists no projects")

// ProjectConfig names one daemon the bridge connects to.
type ProjectConfig struct {
	ID     string `yaml:"id"`
	Socket string `yaml:"socket"`
	Lead   string `yaml:"lead,omitempty"`
}

// Config is the bridge host configuration, read from YAML.
type Config struct {
	AgentName string          `yaml:"agentName,omitempty"`
	StateFile string          `yaml:"stateFile,omitempty"`
	Projects  []ProjectConfig `yaml:"projects"`
}

// LoadConfig reads and validates a bridge config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bridge config: %w", err)
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "bridge"
	}
	if len(cfg.Projects) == 0 {
		return nil, ErrNoProjects
	}
	seen := make(map[string]struct{}, len(cfg.Projects))
	for i, p := range cfg.Projects {
		if p.ID == "" || p.Socket == "" {
			return nil, fmt.Errorf("project %d: id and socket are required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate project id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return &cfg, nil
}

// WatchConfig invokes onChange with the freshly loaded config whenever
// the file is rewritten. Editors replace rather than modify, so both
// Write and Create events on the parent directory are handled. Returns
// a stop function.
func WatchConfig(path string, onChange func(*Config), onError func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
