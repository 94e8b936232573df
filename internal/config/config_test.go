package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
dumps:
  - path: DDRCS0.BIN
    start: 0x80000000
  - path: DDRCS1.BIN
    start: 0x100000000
    end: 0x17fffffff
vmlinux: vmlinux
modules:
  - name: foo
    path: foo.ko
    base: 0xffffffc008000000
arch: arm64
va_bits: 48
flipped_va: false
kaslr_offset: 0x2340000
symbols:
  swapper_pg_dir: 0xffffffc011a3c000
field_offsets:
  task_struct.pid: 1440
workers: 8
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	want := []Dump{
		{Path: "DDRCS0.BIN", Start: 0x80000000},
		{Path: "DDRCS1.BIN", Start: 0x100000000, End: 0x17fffffff},
	}
	if diff := cmp.Diff(want, cfg.Dumps); diff != "" {
		t.Errorf("dumps mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "arm64", cfg.Arch)
	assert.Equal(t, uint8(48), cfg.VABits)
	assert.False(t, cfg.Flipped())
	assert.Equal(t, Hex(0xffffffc008000000), cfg.Modules[0].Base)
	assert.Equal(t, Hex(0xffffffc011a3c000), cfg.Symbols["swapper_pg_dir"])
	assert.Equal(t, uint64(1440), cfg.FieldOffsets["task_struct.pid"])
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, DefaultMaxTasks, cfg.MaxTasks)
	assert.Equal(t, "auto", cfg.Unwind)

	kaslr, ok := Opt(cfg.KASLROffset)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2340000), kaslr)
	_, ok = Opt(cfg.PhysOffset)
	assert.False(t, ok)
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Decode([]byte("vmlinx: typo\n")))
}

func TestDecode_BadAddress(t *testing.T) {
	cfg := Default()
	err := cfg.Decode([]byte("kaslr_offset: 0xzz\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.Dumps = []Dump{{Path: "a.bin", Start: 0x80000000}}
		return c
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults with a dump", func(*Config) {}, ""},
		{"no dumps", func(c *Config) { c.Dumps = nil }, "no memory dump configured"},
		{"elf dump only", func(c *Config) { c.Dumps = nil; c.ELFDump = "md.elf" }, ""},
		{"empty dump path", func(c *Config) { c.Dumps[0].Path = "" }, "path is required"},
		{"inverted dump", func(c *Config) { c.Dumps[0].End = 0x1000 }, "below start"},
		{"bad arch", func(c *Config) { c.Arch = "x86" }, "invalid arch"},
		{"bad unwind", func(c *Config) { c.Unwind = "dwarf" }, "invalid unwind"},
		{"va bits", func(c *Config) { c.VABits = 52 }, "va_bits"},
		{"thread size", func(c *Config) { c.ThreadSize = 0x3000 }, "power of two"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"module without path", func(c *Config) { c.Modules = []Module{{Name: "foo"}} }, "modules[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseHex(t *testing.T) {
	for in, want := range map[string]uint64{"0x10": 16, "0XfF": 255, "42": 42, " 0x80000000 ": 0x80000000} {
		got, err := ParseHex(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseHex("0xg")
	assert.Error(t, err)
}
