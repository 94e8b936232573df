package exporter

import (
	"fmt"
	"io"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/ramparse/internal/tasks"
)

type NowFunc func() uint64 // produces unix nsec

// Meta describes the dump the samples came from.
type Meta struct {
	Arch          string
	KernelVersion string
}

func (m Meta) attributes() []*v1.KeyValue {
	var out []*v1.KeyValue
	add := func(k, v string) {
		if v == "" {
			return
		}
		out = append(out, &v1.KeyValue{Key: k, Value: &v1.AnyValue{Value: &v1.AnyValue_StringValue{StringValue: v}}})
	}
	add("host.arch", m.Arch)
	add("os.version", m.KernelVersion)
	return out
}

// BuildOtlpProfile turns task backtraces into one OTLP profile. Functions
// are shared by name and locations by pc.
func BuildOtlpProfile(samples []tasks.Sample, meta Meta, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	stringTable := []string{""}
	mappingTable := []*profilespb.Mapping{{}}
	locationTable := []*profilespb.Location{{}}
	functionTable := []*profilespb.Function{{}}
	stackTable := []*profilespb.Stack{{}}

	defaultMappingIdx := 0
	funcIdx := map[string]int32{}
	locIdx := map[uint64]int32{}
	profileSamples := make([]*profilespb.Sample, 0, len(samples))

	sampleType := &profilespb.ValueType{
		TypeStrindex: strIndex(&stringTable, "tasks"),
		UnitStrindex: strIndex(&stringTable, "count"),
	}

	function := func(name string) int32 {
		if idx, ok := funcIdx[name]; ok {
			return idx
		}
		nameIdx := strIndex(&stringTable, name)
		functionTable = append(functionTable, &profilespb.Function{
			NameStrindex:       nameIdx,
			SystemNameStrindex: nameIdx,
		})
		idx := int32(len(functionTable) - 1)
		funcIdx[name] = idx
		return idx
	}

	buildStack := func(s tasks.Sample) int32 {
		locIndices := make([]int32, 0, len(s.Frames))
		for _, f := range s.Frames {
			idx, ok := locIdx[f.PC]
			if !ok {
				loc := &profilespb.Location{
					Address:      f.PC,
					MappingIndex: int32(defaultMappingIdx),
					Lines: []*profilespb.Line{
						{
							FunctionIndex: function(FrameName(f)),
							Line:          0,
						},
					},
				}
				locationTable = append(locationTable, loc)
				idx = int32(len(locationTable) - 1)
				locIdx[f.PC] = idx
			}
			locIndices = append(locIndices, idx)
		}

		stack := &profilespb.Stack{LocationIndices: locIndices}
		stackTable = append(stackTable, stack)
		return int32(len(stackTable) - 1)
	}

	for _, s := range samples {
		if len(s.Frames) == 0 {
			continue
		}
		pbSample := &profilespb.Sample{
			StackIndex:         buildStack(s),
			Values:             []int64{int64(s.Count)},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{nowNsec},
		}
		profileSamples = append(profileSamples, pbSample)
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: uint64(0),
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resource := &resourceV1.Resource{Attributes: meta.attributes()}
	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: resource,
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    "ramparse",
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	dictionary := &profilespb.ProfilesDictionary{
		MappingTable:  mappingTable,
		LocationTable: locationTable,
		FunctionTable: functionTable,
		StackTable:    stackTable,
		StringTable:   stringTable,
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dictionary,
	}
}

func strIndex(table *[]string, s string) int32 {
	for i, v := range *table {
		if v == s {
			return int32(i)
		}
	}
	*table = append(*table, s)
	return int32(len(*table) - 1)
}

// NewExportRequest wraps the profile in the request a collector's
// ProfilesService accepts.
func NewExportRequest(data *profilespb.ProfilesData) *collectorpb.ExportProfilesServiceRequest {
	return &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.ResourceProfiles,
		Dictionary:       data.Dictionary,
	}
}

// WriteOtlpRequest writes the export request as binary protobuf, or as
// OTLP/JSON when asJSON is set.
func WriteOtlpRequest(data *profilespb.ProfilesData, w io.Writer, asJSON bool) error {
	req := NewExportRequest(data)
	var (
		b   []byte
		err error
	)
	if asJSON {
		b, err = protojson.Marshal(req)
	} else {
		b, err = proto.Marshal(req)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal export request: %w", err)
	}
	_, err = w.Write(b)
	return err
}
