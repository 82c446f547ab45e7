package splitmap

import (
	"flag"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultInitialSize = 16
	DefaultLoadFactor  = 0.7

	// MaxSize is the largest directory a table will grow to.
	MaxSize = 1 << 30
)

// ValueProtection selects how Find and Delete hand values back.
type ValueProtection int

const (
	// ProtectCopy copies the value out and drops every hazard slot.
	ProtectCopy ValueProtection = iota
	// ProtectLongLived leaves the value slot published by the worker until
	// its next operation, Clear or Release.
	ProtectLongLived
)

var protectionNames = map[ValueProtection]string{
	ProtectCopy:      "copy",
	ProtectLongLived: "long-lived",
}

func (p ValueProtection) String() string {
	if name, ok := protectionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("ValueProtection(%d)", int(p))
}

// Set implements flag.Value.
func (p *ValueProtection) Set(s string) error {
	for v, name := range protectionNames {
		if strings.EqualFold(s, name) {
			*p = v
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidProtection, "%q", s)
}

func (p ValueProtection) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

func (p *ValueProtection) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return p.Set(s)
}

// Config configures a Table.
type Config struct {
	InitialSize     int             `yaml:"initial_size"`
	MaxSize         int             `yaml:"max_size"`
	LoadFactor      float64         `yaml:"load_factor"`
	ValueProtection ValueProtection `yaml:"value_protection"`
	Hasher          string          `yaml:"hasher"`

	// HashFunc, when set, is used instead of the named Hasher.
	HashFunc HashFunc `yaml:"-"`
}

// DefaultConfig returns a Config holding the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("splitmap.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(
		&cfg.InitialSize,
		prefix+"initial-size",
		DefaultInitialSize,
		"Initial number of buckets. Must be a power of two.",
	)
	f.IntVar(
		&cfg.MaxSize,
		prefix+"max-size",
		MaxSize,
		"Number of buckets after which the directory stops doubling. Must be a power of two.",
	)
	f.Float64Var(
		&cfg.LoadFactor,
		prefix+"load-factor",
		DefaultLoadFactor,
		"Ratio of live entries to buckets above which the directory doubles.",
	)
	cfg.ValueProtection = ProtectCopy
	f.Var(
		&cfg.ValueProtection,
		prefix+"value-protection",
		"How values are handed back by find and delete: copy, or long-lived to keep the value pinned until the worker's next operation.",
	)
	f.StringVar(
		&cfg.Hasher,
		prefix+"hasher",
		HasherFibonacci,
		fmt.Sprintf("Key hash function, one of %s.", strings.Join(HasherNames(), ", ")),
	)
}

func (cfg *Config) Validate() error {
	if !isPowerOfTwo(cfg.MaxSize) || cfg.MaxSize > MaxSize {
		return errors.Wrapf(ErrInvalidSize, "max-size %d", cfg.MaxSize)
	}
	if !isPowerOfTwo(cfg.InitialSize) || cfg.InitialSize > cfg.MaxSize {
		return errors.Wrapf(ErrInvalidSize, "initial-size %d", cfg.InitialSize)
	}
	if cfg.LoadFactor <= 0 {
		return errors.Wrapf(ErrInvalidLoadFactor, "load-factor %v", cfg.LoadFactor)
	}
	if _, ok := protectionNames[cfg.ValueProtection]; !ok {
		return errors.Wrapf(ErrInvalidProtection, "%d", int(cfg.ValueProtection))
	}
	if cfg.HashFunc == nil {
		if _, err := LookupHasher(cfg.Hasher); err != nil {
			return err
		}
	}
	return nil
}
