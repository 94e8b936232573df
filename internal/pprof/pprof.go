package pprof

import (
	"compress/gzip"
	"io"
	"sort"
	"strconv"

	"github.com/google/pprof/profile"

	"github.com/VladMinzatu/ramparse/internal/exporter"
	"github.com/VladMinzatu/ramparse/internal/tasks"
)

// BuildPprofProfile records one sample per task. Tasks with an empty
// backtrace are skipped.
func BuildPprofProfile(samples []tasks.Sample, sampleTypeName, sampleTypeUnit string, timeNanos int64) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleTypeName, Unit: sampleTypeUnit}},
		TimeNanos:  timeNanos,
	}
	if len(samples) == 0 {
		return p, nil
	}

	funcs := map[string]*profile.Function{}
	locMap := map[uint64]*profile.Location{}
	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	addFunction := func(name string) *profile.Function {
		if f, ok := funcs[name]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         nextFuncID,
			Name:       name,
			SystemName: name,
		}
		nextFuncID++
		funcs[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addLocation := func(pc uint64, name string) *profile.Location {
		if loc, ok := locMap[pc]; ok {
			return loc
		}
		fn := addFunction(name)
		loc := &profile.Location{
			ID:      nextLocID,
			Address: pc,
			Line:    []profile.Line{{Function: fn, Line: 0}},
		}
		nextLocID++
		locMap[pc] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, s := range samples {
		if len(s.Frames) == 0 {
			continue
		}
		// pprof assumes stacks are in leaf-to-root order, i.e. stack[0] is leaf (innermost)
		locs := make([]*profile.Location, 0, len(s.Frames))
		for _, f := range s.Frames {
			locs = append(locs, addLocation(f.PC, exporter.FrameName(f)))
		}

		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(s.Count)},
			Location: locs,
			Label: map[string][]string{
				"comm": {s.Task.Comm},
				"stop": {s.Stop.String()},
			},
			NumLabel: map[string][]int64{
				"pid": {int64(s.Task.PID)},
			},
		})
	}

	// sort for deterministic output
	sort.Slice(p.Function, func(i, j int) bool { return p.Function[i].ID < p.Function[j].ID })
	sort.Slice(p.Location, func(i, j int) bool { return p.Location[i].ID < p.Location[j].ID })

	return p, p.CheckValid()
}

// TaskLabel returns the label value a sample carries for key.
func TaskLabel(s *profile.Sample, key string) string {
	if v := s.Label[key]; len(v) > 0 {
		return v[0]
	}
	if v := s.NumLabel[key]; len(v) > 0 {
		return strconv.FormatInt(v[0], 10)
	}
	return ""
}

func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	gw := gzip.NewWriter(w)
	if err := p.WriteUncompressed(gw); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}
