package exporter

import (
	"bytes"
	"testing"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/ramparse/internal/tasks"
)

func mustMarshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal proto: %v", err)
	}
	return b
}

func TestBuildOtlpProfile_SharedLocations(t *testing.T) {
	nowValue := uint64(9999999999)
	samples := []tasks.Sample{
		sample("sh", frame(0x1010, "foo"), frame(0x1100, "bar")),
		sample("idle"),
		sample("cat", frame(0x2000, ""), frame(0x1100, "bar")),
	}

	got := BuildOtlpProfile(samples, Meta{Arch: "arm64", KernelVersion: "5.10.43"}, func() uint64 { return nowValue })

	expectedDict := &profilespb.ProfilesDictionary{
		MappingTable: []*profilespb.Mapping{{}},
		LocationTable: []*profilespb.Location{
			{},
			{Address: 0x1010, Lines: []*profilespb.Line{{FunctionIndex: 1}}},
			{Address: 0x1100, Lines: []*profilespb.Line{{FunctionIndex: 2}}},
			{Address: 0x2000, Lines: []*profilespb.Line{{FunctionIndex: 3}}},
		},
		FunctionTable: []*profilespb.Function{
			{},
			{NameStrindex: 3, SystemNameStrindex: 3},
			{NameStrindex: 4, SystemNameStrindex: 4},
			{NameStrindex: 5, SystemNameStrindex: 5},
		},
		StackTable: []*profilespb.Stack{
			{},
			{LocationIndices: []int32{1, 2}},
			{LocationIndices: []int32{3, 2}},
		},
		StringTable: []string{"", "tasks", "count", "foo", "bar", "0x2000"},
	}

	expectedProfile := &profilespb.Profile{
		TimeUnixNano: nowValue,
		SampleType:   &profilespb.ValueType{TypeStrindex: 1, UnitStrindex: 2},
		Samples: []*profilespb.Sample{
			{StackIndex: 1, Values: []int64{1}, AttributeIndices: []int32{}, TimestampsUnixNano: []uint64{nowValue}},
			{StackIndex: 2, Values: []int64{1}, AttributeIndices: []int32{}, TimestampsUnixNano: []uint64{nowValue}},
		},
	}

	str := func(s string) *v1.AnyValue { return &v1.AnyValue{Value: &v1.AnyValue_StringValue{StringValue: s}} }
	expected := &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{{
			Resource: &resourceV1.Resource{Attributes: []*v1.KeyValue{
				{Key: "host.arch", Value: str("arm64")},
				{Key: "os.version", Value: str("5.10.43")},
			}},
			ScopeProfiles: []*profilespb.ScopeProfiles{{
				Scope:    &v1.InstrumentationScope{Name: "ramparse", Version: "v1"},
				Profiles: []*profilespb.Profile{expectedProfile},
			}},
		}},
		Dictionary: expectedDict,
	}

	if !proto.Equal(got, expected) {
		gotB := mustMarshal(t, got)
		wantB := mustMarshal(t, expected)
		t.Fatalf("ProfilesData proto mismatch\nGOT (len %d): %x\nWANT (len %d): %x", len(gotB), gotB, len(wantB), wantB)
	}
}

func TestBuildOtlpProfile_Empty(t *testing.T) {
	got := BuildOtlpProfile(nil, Meta{}, func() uint64 { return 1 })
	profile := got.ResourceProfiles[0].ScopeProfiles[0].Profiles[0]
	if len(profile.Samples) != 0 {
		t.Fatalf("expected no samples, got %d", len(profile.Samples))
	}
	if len(got.ResourceProfiles[0].Resource.Attributes) != 0 {
		t.Fatalf("expected no resource attributes")
	}
}

func TestWriteOtlpRequest(t *testing.T) {
	data := BuildOtlpProfile([]tasks.Sample{sample("sh", frame(0x1010, "foo"))}, Meta{Arch: "arm"}, func() uint64 { return 42 })

	t.Run("binary", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteOtlpRequest(data, &buf, false); err != nil {
			t.Fatalf("WriteOtlpRequest: %v", err)
		}
		var req collectorpb.ExportProfilesServiceRequest
		if err := proto.Unmarshal(buf.Bytes(), &req); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !proto.Equal(&req, NewExportRequest(data)) {
			t.Fatalf("request did not round trip")
		}
	})
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteOtlpRequest(data, &buf, true); err != nil {
			t.Fatalf("WriteOtlpRequest: %v", err)
		}
		var req collectorpb.ExportProfilesServiceRequest
		if err := protojson.Unmarshal(buf.Bytes(), &req); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got := req.Dictionary.StringTable; len(got) != 4 || got[3] != "foo" {
			t.Fatalf("unexpected string table %v", got)
		}
	})
}
