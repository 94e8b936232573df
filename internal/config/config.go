// Package config holds the session configuration: where the dump and
// symbol files live and which translation parameters override discovery.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultVABits   = 39
	DefaultWorkers  = 4
	DefaultMaxTasks = 32768
)

// Hex is an address that accepts both YAML integers and "0x" strings.
type Hex uint64

func (h *Hex) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an address, got %s", node.Line, node.Tag)
	}
	v, err := ParseHex(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("0x%x", uint64(h)), nil
}

// ParseHex parses a 0x-prefixed hex address, falling back to the usual
// Go integer prefixes otherwise.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if t := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"); t != s {
		return strconv.ParseUint(t, 16, 64)
	}
	return strconv.ParseUint(s, 0, 64)
}

type Dump struct {
	Path  string `yaml:"path"`
	Start Hex    `yaml:"start"`
	// End is inclusive; zero means start+size-1.
	End Hex `yaml:"end,omitempty"`
}

type Module struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	Base Hex    `yaml:"base"`
}

type Config struct {
	Dumps        []Dump `yaml:"dumps"`
	LoadCmm      string `yaml:"load_cmm"`
	ELFDump      string `yaml:"elf_dump"`
	ReducedIndex string `yaml:"reduced_index"`

	Vmlinux   string   `yaml:"vmlinux"`
	SystemMap string   `yaml:"system_map"`
	Modules   []Module `yaml:"modules"`

	Arch      string `yaml:"arch"`
	VABits    uint8  `yaml:"va_bits"`
	FlippedVA *bool  `yaml:"flipped_va"`

	PageOffset      *Hex `yaml:"page_offset"`
	PhysOffset      *Hex `yaml:"phys_offset"`
	KASLROffset     *Hex `yaml:"kaslr_offset"`
	KASLRCookieAddr *Hex `yaml:"kaslr_cookie_addr"`

	// Symbols and FieldOffsets take precedence over the vmlinux.
	Symbols      map[string]Hex    `yaml:"symbols"`
	FieldOffsets map[string]uint64 `yaml:"field_offsets"`

	Unwind     string `yaml:"unwind"`
	ThreadSize uint64 `yaml:"thread_size"`
	Workers    int    `yaml:"workers"`
	MaxTasks   int    `yaml:"max_tasks"`
}

// Default returns a config with every default applied.
func Default() Config {
	flipped := true
	return Config{
		Arch:      "auto",
		VABits:    DefaultVABits,
		FlippedVA: &flipped,
		Unwind:    "auto",
		Workers:   DefaultWorkers,
		MaxTasks:  DefaultMaxTasks,
	}
}

// Load reads a YAML file on top of the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.Decode(data); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode overlays YAML onto c. Unknown keys are rejected.
func (c *Config) Decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) HasDumps() bool {
	return len(c.Dumps) > 0 || c.LoadCmm != "" || c.ELFDump != "" || c.ReducedIndex != ""
}

func (c *Config) Validate() error {
	if !c.HasDumps() {
		return errors.New("no memory dump configured: set dumps, load_cmm, elf_dump or reduced_index")
	}
	for i, d := range c.Dumps {
		if d.Path == "" {
			return fmt.Errorf("dumps[%d]: path is required", i)
		}
		if d.End != 0 && d.End < d.Start {
			return fmt.Errorf("dumps[%d]: end 0x%x below start 0x%x", i, uint64(d.End), uint64(d.Start))
		}
	}
	for i, m := range c.Modules {
		if m.Name == "" || m.Path == "" {
			return fmt.Errorf("modules[%d]: name and path are required", i)
		}
	}
	switch c.Arch {
	case "auto", "arm64", "arm", "arm-lpae":
	default:
		return fmt.Errorf("invalid arch %q: want arm64, arm, arm-lpae or auto", c.Arch)
	}
	switch c.Unwind {
	case "auto", "ehabi", "fp":
	default:
		return fmt.Errorf("invalid unwind %q: want auto, ehabi or fp", c.Unwind)
	}
	// 4 KiB granule: 3 or 4 translation levels.
	if c.VABits < 25 || c.VABits > 48 {
		return fmt.Errorf("va_bits %d out of range [25, 48]", c.VABits)
	}
	if c.ThreadSize != 0 && c.ThreadSize&(c.ThreadSize-1) != 0 {
		return fmt.Errorf("thread_size 0x%x is not a power of two", c.ThreadSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxTasks < 1 {
		return fmt.Errorf("max_tasks must be at least 1, got %d", c.MaxTasks)
	}
	return nil
}

// Flipped reports the flipped_va setting, defaulting to true.
func (c *Config) Flipped() bool {
	return c.FlippedVA == nil || *c.FlippedVA
}

// Opt returns the value of an optional address and whether it was set.
func Opt(h *Hex) (uint64, bool) {
	if h == nil {
		return 0, false
	}
	return uint64(*h), true
}
