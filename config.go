package offlineworker

import (
	"fmt"
	"os"
	"time"

	"github.com/always-cache/offline-worker/cache"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Deployment is the configuration of one deployed worker version.
// A new generation name means a new version.
type Deployment struct {
	Scope      string        `yaml:"scope"`
	Generation string        `yaml:"generation"`
	Assets     []string      `yaml:"assets"`
	Shell      string        `yaml:"shell"`
	Essentials []string      `yaml:"essentials"`
	Store      cache.Options `yaml:"store"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeout time.Duration
	} `yaml:"network"`

	Scheduler struct {
		Concurrency int    `yaml:"concurrency"`
		Timeout     string `yaml:"timeout"`

		timeout time.Duration
	} `yaml:"scheduler"`
}

// LoadDeployment reads a deployment from a YAML file.
// Validate must be called before the deployment is used.
func LoadDeployment(filename string) (Deployment, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return Deployment{}, err
	}
	return ParseDeployment(b)
}

func ParseDeployment(b []byte) (Deployment, error) {
	var d Deployment
	if err := yaml.Unmarshal(b, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// Validate fills in defaults and checks required fields.
func (d *Deployment) Validate() error {
	if d.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if d.Generation == "" {
		return fmt.Errorf("generation is required")
	}
	if d.Shell == "" {
		d.Shell = DefaultShell
	}
	if d.Server.Port == 0 {
		d.Server.Port = 8080
	}
	if d.Scheduler.Concurrency == 0 {
		d.Scheduler.Concurrency = 32
	}

	var err error
	if d.Network.timeout, err = parseDuration(d.Network.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	if d.Scheduler.timeout, err = parseDuration(d.Scheduler.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("scheduler.timeout: %w", err)
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func (d Deployment) NetworkTimeout() time.Duration {
	return d.Network.timeout
}

func (d Deployment) SchedulerTimeout() time.Duration {
	return d.Scheduler.timeout
}

// WorkerConfig returns the configuration for a worker version of this deployment.
func (d Deployment) WorkerConfig(store cache.Store, network Network, scheduler Scheduler, logger *zerolog.Logger) Config {
	return Config{
		Cache:      store,
		Network:    network,
		Scheduler:  scheduler,
		Scope:      d.Scope,
		Generation: d.Generation,
		Assets:     d.Assets,
		Shell:      d.Shell,
		Essentials: d.Essentials,
		Logger:     logger,
	}
}
