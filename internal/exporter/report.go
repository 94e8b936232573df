package exporter

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/VladMinzatu/ramparse/internal/physmem"
	"github.com/VladMinzatu/ramparse/internal/tasks"
	"github.com/VladMinzatu/ramparse/internal/unwind"
)

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func WriteSegments(w io.Writer, segments []physmem.Segment) {
	table := newTable(w, "Name", "Kind", "Start", "End", "Size", "Offset")
	var total uint64
	for _, s := range segments {
		table.Append([]string{
			s.Name,
			s.Kind.String(),
			hex(s.Start),
			hex(s.End),
			humanize.IBytes(s.Size()),
			hex(s.Offset),
		})
		total += s.Size()
	}
	table.SetFooter([]string{"", "", "", "Total", humanize.IBytes(total), ""})
	table.Render()
}

// Disassembler renders the instruction at pc; it may be nil.
type Disassembler func(pc uint64) (string, bool)

func WriteBacktrace(w io.Writer, bt unwind.Backtrace, disasm Disassembler) {
	header := []string{"#", "PC", "Symbol", "FP", "SP"}
	if disasm != nil {
		header = append(header, "Insn")
	}
	table := newTable(w, header...)
	for i, f := range bt.Frames {
		sym := "?"
		if f.Resolved {
			sym = f.Symbol.String()
		}
		row := []string{strconv.Itoa(i), hex(f.PC), sym, hex(f.FP), hex(f.SP)}
		if disasm != nil {
			insn, _ := disasm(f.PC)
			row = append(row, insn)
		}
		table.Append(row)
	}
	table.Render()
	fmt.Fprintf(w, "stopped: %s\n", bt.Stop)
}

func WriteTasks(w io.Writer, samples []tasks.Sample) {
	table := newTable(w, "PID", "Comm", "Task", "Frames", "Top", "Stop")
	for _, s := range samples {
		top := "-"
		for _, f := range s.Frames {
			// Skip past the context switch itself.
			if f.Resolved {
				top = FrameName(f)
				if f.Symbol.Name != "__switch_to" && f.Symbol.Name != "cpu_switch_to" {
					break
				}
			}
		}
		table.Append([]string{
			strconv.Itoa(int(s.Task.PID)),
			s.Task.Comm,
			hex(s.Task.Addr),
			strconv.Itoa(len(s.Frames)),
			top,
			s.Stop.String(),
		})
	}
	table.Render()
}
