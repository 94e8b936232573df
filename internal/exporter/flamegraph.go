package exporter

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/VladMinzatu/ramparse/internal/tasks"
	"github.com/VladMinzatu/ramparse/internal/unwind"
)

type RootFrame int

const (
	_ = iota
	// NoRoot folds the kernel frames only.
	NoRoot
	// CommRoot adds the task's comm as the root frame.
	CommRoot
)

// FrameName is the display name of a frame: its symbol, or the raw pc
// when it did not resolve.
func FrameName(f unwind.Frame) string {
	if !f.Resolved || f.Symbol.Name == "" {
		return fmt.Sprintf("0x%x", f.PC)
	}
	return f.Symbol.Name
}

func BuildFoldedStacks(samples []tasks.Sample, root RootFrame) map[string]uint64 {
	agg := make(map[string]uint64)
	// Identical stacks are common (idle tasks, kworkers), so fold each
	// distinct pc sequence only once.
	folded := make(map[uint64]string)
	for _, s := range samples {
		if len(s.Frames) == 0 {
			continue
		}
		h := stackHash(s, root)
		key, ok := folded[h]
		if !ok {
			key = foldStack(s, root)
			folded[h] = key
		}
		agg[key] += s.Count
	}
	return agg
}

func stackHash(s tasks.Sample, root RootFrame) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, f := range s.Frames {
		binary.LittleEndian.PutUint64(buf[:], f.PC)
		_, _ = d.Write(buf[:])
	}
	if root == CommRoot {
		_, _ = d.WriteString(s.Task.Comm)
	}
	return d.Sum64()
}

func foldStack(s tasks.Sample, root RootFrame) string {
	names := make([]string, 0, len(s.Frames)+1)
	if root == CommRoot {
		names = append(names, escapeFoldedName(s.Task.Comm))
	}
	for i := len(s.Frames) - 1; i >= 0; i-- { // reverse order because flamegraphs expect root->leaf order
		names = append(names, escapeFoldedName(FrameName(s.Frames[i])))
	}
	return strings.Join(names, ";")
}

func escapeFoldedName(name string) string {
	// semicolons separate frames and newlines separate lines. Replace them with safe characters.
	name = strings.ReplaceAll(name, ";", "_")
	name = strings.ReplaceAll(name, "\n", " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}

// WriteFoldedStacks writes one "stack count" line per entry, heaviest
// first.
func WriteFoldedStacks(agg map[string]uint64, w io.Writer) error {
	type kv struct {
		k string
		v uint64
	}
	items := make([]kv, 0, len(agg))
	for k, v := range agg {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v == items[j].v {
			return items[i].k < items[j].k
		}
		return items[i].v > items[j].v
	})

	for _, it := range items {
		if _, err := fmt.Fprintf(w, "%s %d\n", it.k, it.v); err != nil {
			return err
		}
	}
	return nil
}

func WriteFoldedStacksToFile(agg map[string]uint64, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteFoldedStacks(agg, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
