package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"runbox/internal/queue"
	"runbox/internal/sandbox"
	"runbox/pkg/utils/logger"
)

const (
	defaultHTTPPort        = "3000"
	defaultHTTPHost        = "0.0.0.0"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultRedisHost = "localhost"
	defaultRedisPort = "6379"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`
}

// QueueConfig holds job queue behaviour settings.
type QueueConfig struct {
	Name            string        `yaml:"name"`
	ResultTTL       time.Duration `yaml:"resultTTL"`
	StalledAfter    time.Duration `yaml:"stalledAfter"`
	RequeueStalled  bool          `yaml:"requeueStalled"`
	PromoteInterval time.Duration `yaml:"promoteInterval"`
}

// WorkspaceConfig holds artifact directory settings.
type WorkspaceConfig struct {
	Dir           string        `yaml:"dir"`
	ArchiveDir    string        `yaml:"archiveDir"`
	RetainFor     time.Duration `yaml:"retainFor"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// SandboxConfig holds container execution settings.
type SandboxConfig struct {
	Volume         string        `yaml:"volume"`
	ContainerRoot  string        `yaml:"containerRoot"`
	MemoryMB       int           `yaml:"memoryMB"`
	CPUs           float64       `yaml:"cpus"`
	Network        string        `yaml:"network"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int64         `yaml:"maxOutputBytes"`
	DockerBinary   string        `yaml:"dockerBinary"`
}

// WorkerConfig holds pool settings.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	DrainGrace  time.Duration `yaml:"drainGrace"`
}

// SubmitConfig holds submission limits.
type SubmitConfig struct {
	MaxCodeBytes int `yaml:"maxCodeBytes"`
}

// AppConfig holds runboxd configuration.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    logger.Config   `yaml:"logger"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Worker    WorkerConfig    `yaml:"worker"`
	Submit    SubmitConfig    `yaml:"submit"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			// the service runs fully from env/defaults when no file is shipped
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = net.JoinHostPort(defaultHTTPHost, defaultHTTPPort)
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = net.JoinHostPort(defaultRedisHost, defaultRedisPort)
	}

	if cfg.Workspace.Dir == "" {
		cfg.Workspace.Dir = "/code"
	}
	if cfg.Workspace.RetainFor == 0 {
		cfg.Workspace.RetainFor = 24 * time.Hour
	}
	if cfg.Workspace.SweepInterval == 0 {
		cfg.Workspace.SweepInterval = time.Hour
	}

	if cfg.Sandbox.Volume == "" {
		cfg.Sandbox.Volume = "runbox-code"
	}

	if cfg.Submit.MaxCodeBytes == 0 {
		cfg.Submit.MaxCodeBytes = 256 * 1024
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides maps deployment environment variables onto the config.
func applyEnvOverrides(cfg *AppConfig) {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			host, _, err := net.SplitHostPort(cfg.Server.Addr)
			if err != nil || host == "" {
				host = defaultHTTPHost
			}
			cfg.Server.Addr = net.JoinHostPort(host, port)
		}
	}

	redisHost, redisPort, err := net.SplitHostPort(cfg.Redis.Addr)
	if err != nil {
		redisHost, redisPort = defaultRedisHost, defaultRedisPort
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		redisHost = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		redisPort = port
	}
	cfg.Redis.Addr = net.JoinHostPort(redisHost, redisPort)
}

// redisQueueConfig converts the yaml blocks into the queue's config types.
func (c *AppConfig) redisQueueConfig() (*queue.RedisConfig, queue.Config) {
	redisCfg := queue.DefaultRedisConfig()
	redisCfg.Addr = c.Redis.Addr
	redisCfg.Password = c.Redis.Password
	redisCfg.DB = c.Redis.DB
	if c.Redis.DialTimeout > 0 {
		redisCfg.DialTimeout = c.Redis.DialTimeout
	}
	if c.Redis.ReadTimeout > 0 {
		redisCfg.ReadTimeout = c.Redis.ReadTimeout
	}
	if c.Redis.WriteTimeout > 0 {
		redisCfg.WriteTimeout = c.Redis.WriteTimeout
	}
	if c.Redis.PoolSize > 0 {
		redisCfg.PoolSize = c.Redis.PoolSize
	}

	queueCfg := queue.Config{
		Name:            c.Queue.Name,
		ResultTTL:       c.Queue.ResultTTL,
		StalledAfter:    c.Queue.StalledAfter,
		RequeueStalled:  c.Queue.RequeueStalled,
		PromoteInterval: c.Queue.PromoteInterval,
	}
	return redisCfg, queueCfg
}

// sandboxConfig converts the yaml block into the driver config.
func (c *AppConfig) sandboxConfig() sandbox.Config {
	return sandbox.Config{
		DockerBinary:  c.Sandbox.DockerBinary,
		Volume:        c.Sandbox.Volume,
		ContainerRoot: c.Sandbox.ContainerRoot,
		Limits: sandbox.Limits{
			MemoryMB: c.Sandbox.MemoryMB,
			CPUs:     c.Sandbox.CPUs,
			Network:  c.Sandbox.Network,
		},
		Timeout:        c.Sandbox.Timeout,
		MaxOutputBytes: c.Sandbox.MaxOutputBytes,
	}
}
