// Package config loads node configuration. Sources are layered with koanf:
// built-in defaults, then an optional YAML file, then ZEPHYR_* environment
// variables (ZEPHYR_LIVENESS_EXPIRE=5m sets liveness.expire).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "ZEPHYR_"

var ErrInvalid = errors.New("config: invalid")

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportEtcd   = "etcd"
)

type Config struct {
	Namespace string    `koanf:"namespace"`
	Listen    string    `koanf:"listen"`
	Log       Log       `koanf:"log"`
	Liveness  Liveness  `koanf:"liveness"`
	Transport Transport `koanf:"transport"`
	Docs      Docs      `koanf:"docs"`
}

type Log struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Liveness controls heartbeats and garbage collection. KeepAlive must be
// shorter than Expire so a live node's key never lapses.
type Liveness struct {
	KeepAlive time.Duration `koanf:"keepalive"`
	Expire    time.Duration `koanf:"expire"`
	GC        time.Duration `koanf:"gc"`
}

type Transport struct {
	Kind  string `koanf:"kind"`
	Redis Redis  `koanf:"redis"`
	Etcd  Etcd   `koanf:"etcd"`
}

type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type Etcd struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dialtimeout"`
}

// Docs locates the document store. An empty Dir serves empty documents
// from memory.
type Docs struct {
	Dir string `koanf:"dir"`
}

func Default() Config {
	return Config{
		Namespace: "automerge-spider",
		Listen:    ":8080",
		Log:       Log{Level: "info"},
		Liveness: Liveness{
			KeepAlive: time.Minute,
			Expire:    3 * time.Minute,
			GC:        time.Minute,
		},
		Transport: Transport{
			Kind:  TransportRedis,
			Redis: Redis{Addr: "localhost:6379"},
			Etcd: Etcd{
				Endpoints:   []string{"http://etcd:2379"},
				DialTimeout: 5 * time.Second,
			},
		},
	}
}

// Load layers path (may be empty) and the environment over Default and
// validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	// Comma separated endpoints from the environment.
	if raw, ok := k.Get("transport.etcd.endpoints").(string); ok && strings.Contains(raw, ",") {
		cfg.Transport.Etcd.Endpoints = strings.Split(raw, ",")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is empty"))
	}
	if strings.Contains(c.Namespace, ":") {
		errs = append(errs, fmt.Errorf("namespace %q contains ':'", c.Namespace))
	}
	l := c.Liveness
	if l.KeepAlive <= 0 || l.Expire <= 0 || l.GC <= 0 {
		errs = append(errs, fmt.Errorf("liveness intervals must be positive (keepalive=%s expire=%s gc=%s)", l.KeepAlive, l.Expire, l.GC))
	} else if l.KeepAlive >= l.Expire {
		errs = append(errs, fmt.Errorf("liveness.keepalive (%s) must be shorter than liveness.expire (%s)", l.KeepAlive, l.Expire))
	}
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			errs = append(errs, errors.New("transport.redis.addr is empty"))
		}
	case TransportEtcd:
		if len(c.Transport.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("transport.etcd.endpoints is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
