package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/VladMinzatu/ramparse/internal/config"
	"github.com/VladMinzatu/ramparse/internal/physmem"
	"github.com/VladMinzatu/ramparse/internal/session"
)

var cfg struct {
	configPath string
	logLevel   string
	dumps      []string
	loadCmm    string
	elfDump    string
	vmlinux    string
	systemMap  string
	arch       string
	unwind     string
	workers    int
	kaslr      hexFlag
	physOffset hexFlag
}

// hexFlag is an address flag that remembers whether it was given.
type hexFlag struct {
	v   uint64
	set bool
}

func (h *hexFlag) Set(s string) error {
	v, err := config.ParseHex(s)
	if err != nil {
		return err
	}
	h.v, h.set = v, true
	return nil
}

func (h *hexFlag) String() string { return fmt.Sprintf("0x%x", h.v) }

func (h *hexFlag) hex() *config.Hex {
	if !h.set {
		return nil
	}
	v := config.Hex(h.v)
	return &v
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := kingpin.New(filepath.Base(os.Args[0]), "Post-mortem analysis of ARM Linux ramdumps.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("config", "YAML session config.").Short('c').StringVar(&cfg.configPath)
	app.Flag("log-level", "Log level.").Default("info").EnumVar(&cfg.logLevel, "debug", "info", "warn", "error")
	app.Flag("dump", "Flat dump file as path@0xSTART or path,0xSTART,0xEND. Repeatable.").StringsVar(&cfg.dumps)
	app.Flag("load-cmm", "load.cmm manifest describing the dump files.").StringVar(&cfg.loadCmm)
	app.Flag("elf-dump", "ELF minidump.").StringVar(&cfg.elfDump)
	app.Flag("vmlinux", "vmlinux with symbols and BTF.").StringVar(&cfg.vmlinux)
	app.Flag("system-map", "System.map, used when the vmlinux has no symbols.").StringVar(&cfg.systemMap)
	app.Flag("arch", "Target architecture.").EnumVar(&cfg.arch, "auto", "arm64", "arm", "arm-lpae")
	app.Flag("unwind", "Unwind strategy.").EnumVar(&cfg.unwind, "auto", "ehabi", "fp")
	app.Flag("workers", "Parallel task unwinders.").IntVar(&cfg.workers)
	app.Flag("kaslr-offset", "Known KASLR slide, skips discovery.").SetValue(&cfg.kaslr)
	app.Flag("phys-offset", "Known PHYS_OFFSET, skips discovery.").SetValue(&cfg.physOffset)

	segmentsCmd := app.Command("segments", "List the physical memory segments of the dump.")

	v2pCmd := app.Command("v2p", "Translate a kernel virtual address.")
	v2pAddr := &hexFlag{}
	v2pCmd.Arg("vaddr", "Virtual address.").Required().SetValue(v2pAddr)

	symCmd := app.Command("sym", "Look up the symbol covering an address.")
	symAddr := &hexFlag{}
	symCmd.Arg("addr", "Runtime address.").Required().SetValue(symAddr)
	symMode := symCmd.Flag("mode", "offset: distance from the symbol start, size: size of the symbol.").Default("offset").Enum("offset", "size")

	btCmd := app.Command("bt", "Unwind one saved register set.")
	var bt btParams
	btCmd.Flag("fp", "Frame pointer.").Required().SetValue(&bt.fp)
	btCmd.Flag("sp", "Stack pointer.").SetValue(&bt.sp)
	btCmd.Flag("pc", "Program counter.").SetValue(&bt.pc)
	btCmd.Flag("lr", "Link register.").SetValue(&bt.lr)
	btCmd.Flag("stack-low", "Lowest stack address.").SetValue(&bt.low)
	btCmd.Flag("stack-high", "Stack top, exclusive.").SetValue(&bt.high)
	btCmd.Flag("disasm", "Show the instruction at each pc.").BoolVar(&bt.disasm)

	tasksCmd := app.Command("tasks", "Walk the task list and unwind every task.")

	exportCmd := app.Command("export", "Export every task backtrace as a profile.")
	var export exportParams
	exportCmd.Flag("format", "Output format.").Default("pprof").EnumVar(&export.format, "pprof", "otlp", "otlp-json", "folded")
	exportCmd.Flag("out", "Output file.").Short('o').Required().StringVar(&export.out)
	exportCmd.Flag("comm-root", "Use the task comm as the root frame of folded stacks.").BoolVar(&export.commRoot)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.logLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	s, err := openSession(logger)
	if err != nil {
		os.Exit(checkError(err))
	}
	defer s.Close()

	switch parsedCmd {
	case segmentsCmd.FullCommand():
		err = segments(s)
	case v2pCmd.FullCommand():
		err = virtToPhys(s, v2pAddr.v)
	case symCmd.FullCommand():
		err = lookup(s, symAddr.v, *symMode)
	case btCmd.FullCommand():
		err = backtrace(s, bt)
	case tasksCmd.FullCommand():
		err = listTasks(ctx, s)
	case exportCmd.FullCommand():
		err = exportProfile(ctx, s, export)
	default:
		logger.Error("unknown command", "cmd", parsedCmd)
	}
	if code := checkError(err); code != 0 {
		s.Close()
		os.Exit(code)
	}
}

// loadConfig layers the config file and then the command line over the
// defaults.
func loadConfig() (config.Config, error) {
	c := config.Default()
	if cfg.configPath != "" {
		data, err := os.ReadFile(cfg.configPath)
		if err != nil {
			return c, fmt.Errorf("failed to read config: %w", err)
		}
		if err := c.Decode(data); err != nil {
			return c, fmt.Errorf("failed to parse config %s: %w", cfg.configPath, err)
		}
	}
	for _, d := range cfg.dumps {
		spec, err := physmem.ParseFlatSpec(d)
		if err != nil {
			return c, err
		}
		dump := config.Dump{Path: spec.Path, Start: config.Hex(spec.Start)}
		if spec.HasEnd {
			dump.End = config.Hex(spec.End)
		}
		c.Dumps = append(c.Dumps, dump)
	}
	if cfg.loadCmm != "" {
		c.LoadCmm = cfg.loadCmm
	}
	if cfg.elfDump != "" {
		c.ELFDump = cfg.elfDump
	}
	if cfg.vmlinux != "" {
		c.Vmlinux = cfg.vmlinux
	}
	if cfg.systemMap != "" {
		c.SystemMap = cfg.systemMap
	}
	if cfg.arch != "" {
		c.Arch = cfg.arch
	}
	if cfg.unwind != "" {
		c.Unwind = cfg.unwind
	}
	if cfg.workers > 0 {
		c.Workers = cfg.workers
	}
	if h := cfg.kaslr.hex(); h != nil {
		c.KASLROffset = h
	}
	if h := cfg.physOffset.hex(); h != nil {
		c.PhysOffset = h
	}
	return c, c.Validate()
}

func openSession(logger *slog.Logger) (*session.Session, error) {
	c, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.Open(c, session.Options{Logger: logger})
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	var fe *session.FatalError
	if errors.As(err, &fe) {
		fmt.Fprintf(os.Stderr, "%s %s check failed: %v\n", color.RedString("Fatal:"), fe.Invariant, fe.Err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
	return 1
}
