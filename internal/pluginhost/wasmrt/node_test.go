package wasmrt

import (
	"encoding/json"
	"testing"
)

func TestInputOutputPinsDecodeFromMetadata(t *testing.T) {
	p := &LoadedPlugin{metadata: Metadata{
		Kind:    "my_effect",
		Inputs:  json.RawMessage(`[{"Name":"in","AcceptsTypes":[{"Variant":"binary"}],"Cardinality":"one"}]`),
		Outputs: json.RawMessage(`[{"Name":"out","ProducesType":{"Variant":"binary"},"Cardinality":"broadcast"}]`),
	}}

	inputs, err := p.InputPins()
	if err != nil {
		t.Fatalf("input pins: %v", err)
	}
	if len(inputs) != 1 || inputs[0].Name != "in" {
		t.Fatalf("unexpected inputs: %+v", inputs)
	}

	outputs, err := p.OutputPins()
	if err != nil {
		t.Fatalf("output pins: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Name != "out" {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
}

func TestInputPinsEmptyMetadataYieldsNoPins(t *testing.T) {
	p := &LoadedPlugin{}
	inputs, err := p.InputPins()
	if err != nil || inputs != nil {
		t.Fatalf("expected nil, nil got %+v, %v", inputs, err)
	}
}

func TestInputPinsRejectsMalformedJSON(t *testing.T) {
	p := &LoadedPlugin{metadata: Metadata{Inputs: json.RawMessage(`not json`)}}
	if _, err := p.InputPins(); err == nil {
		t.Fatal("expected decode error")
	}
}
