package moq

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"
)

func TestOutputPinsForTracksIncludesStableOut(t *testing.T) {
	pins := outputPinsForTracks([]catalogTrack{{Name: "audio/data"}})
	var sawOut, sawTrack bool
	for _, p := range pins {
		if p.Name == stableOutName {
			sawOut = true
		}
		if p.Name == "audio/data" {
			sawTrack = true
		}
	}
	if !sawOut || !sawTrack {
		t.Fatalf("expected both stable out and track pin, got %+v", pins)
	}
}

func TestOutputPinsForTracksDedupesOutName(t *testing.T) {
	pins := outputPinsForTracks([]catalogTrack{{Name: stableOutName}})
	count := 0
	for _, p := range pins {
		if p.Name == stableOutName {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one %q pin, got %d", stableOutName, count)
	}
}

func TestTracksFromCatalogFiltersNonOpus(t *testing.T) {
	raw := `{"audio":{"renditions":{"a":{"codec":"opus"},"b":{"codec":"aac"}}}}`
	var cat catalog
	if err := json.Unmarshal([]byte(raw), &cat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tracks := tracksFromCatalog(cat)
	if len(tracks) != 1 || tracks[0].Name != "a" {
		t.Fatalf("expected only opus track %q, got %+v", "a", tracks)
	}
}

func TestStripTimestampHeaderRemovesVarintPrefix(t *testing.T) {
	var buf bytes.Buffer
	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varintBuf[:], 123456)
	buf.Write(varintBuf[:n])
	buf.WriteString("opus-frame-bytes")

	stripped, err := stripTimestampHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if string(stripped) != "opus-frame-bytes" {
		t.Fatalf("expected stripped payload, got %q", stripped)
	}
}

func TestWriteReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, subscribeRequest{Type: "subscribe_catalog", Broadcast: "room/1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	body, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got subscribeRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "subscribe_catalog" || got.Broadcast != "room/1" {
		t.Fatalf("unexpected round-tripped request: %+v", got)
	}
}

func TestConfigValidateRejectsMissingFields(t *testing.T) {
	if err := (Config{}).validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
	if err := (Config{URL: "https://relay.example/moq", Broadcast: "room/1"}).validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}
