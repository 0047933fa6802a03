package telemetry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeEnvelopeMeasurementRichSchema(t *testing.T) {
	raw := []byte(`{
		"type": "measurement",
		"id": "m1",
		"session_id": "s1",
		"timestamp": 1700000000123,
		"position": {"lat": 57.7, "lon": 11.9, "speed_kmh": 42.5},
		"radio": {
			"level": -90, "qual": -11, "snr": 7, "cell_id": 123456,
			"network_tech": "LTE", "network_mode": "FDD", "lte_rssi": -60,
			"cgi": "240-01-1-2", "serving_time": 5000, "band": "B3", "bandwidth": 20,
			"neighbors": [
				{"cell_id": 1, "level": -100, "qual": -12},
				{"cell_id": 2, "rsrp": -101, "rsrq": -13},
				{"cell_id": 3},
				{"cell_id": 4}
			]
		},
		"outage": false,
		"rtt_updates": [{"id": "m0", "rtt_ms": 41.5}, {"id": "", "rtt_ms": 1}, {"id": "m-1"}]
	}`)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Kind != KindMeasurement || env.ID != "m1" {
		t.Fatalf("unexpected header: kind=%q id=%q", env.Kind, env.ID)
	}
	if env.Measurement == nil {
		t.Fatalf("expected measurement payload")
	}
	want := Measurement{
		ID:            "m1",
		SessionID:     ptr("s1"),
		TimestampMs:   ptr(int64(1700000000123)),
		Latitude:      ptr(57.7),
		Longitude:     ptr(11.9),
		SpeedKmh:      ptr(42.5),
		Level:         ptr(-90),
		Qual:          ptr(-11),
		SNR:           ptr(7),
		CellID:        ptr(int64(123456)),
		NetworkTech:   ptr("LTE"),
		NetworkMode:   ptr("FDD"),
		LTERSSI:       ptr(-60),
		CGI:           ptr("240-01-1-2"),
		ServingTimeMs: ptr(int64(5000)),
		Band:          ptr("B3"),
		Bandwidth:     ptr(20),
		Neighbors: []NeighborCell{
			{CellID: ptr(int64(1)), Level: ptr(-100), Qual: ptr(-12)},
			{CellID: ptr(int64(2)), Level: ptr(-101), Qual: ptr(-13)},
			{CellID: ptr(int64(3))},
		},
		Outage: ptr(false),
	}
	if diff := cmp.Diff(want, env.Measurement.Measurement); diff != "" {
		t.Fatalf("measurement mismatch (-want +got):\n%s", diff)
	}
	items := env.Measurement.RTTUpdates
	if len(items) != 3 {
		t.Fatalf("expected 3 rtt items, got %d", len(items))
	}
	if patch, ok := items[0].Patch(); !ok || patch.MeasurementID != "m0" || patch.RTTMs != 41.5 {
		t.Fatalf("unexpected first patch: %+v ok=%v", patch, ok)
	}
	if _, ok := items[1].Patch(); ok {
		t.Fatalf("expected item without id to be incomplete")
	}
	if _, ok := items[2].Patch(); ok {
		t.Fatalf("expected item without rtt_ms to be incomplete")
	}
}

func TestDecodeEnvelopeMeasurementLegacyNames(t *testing.T) {
	raw := []byte(`{"type":"MEASUREMENT","id":"m1","timestamp_sent":"1700","gps":{"lat":"1.5","lon":2},"radio":{"rsrp":-90,"rsrq":"-10","sinr":3.9,"network_type":"NR"}}`)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	m := env.Measurement.Measurement
	if m.TimestampMs == nil || *m.TimestampMs != 1700 {
		t.Fatalf("expected timestamp 1700, got %v", m.TimestampMs)
	}
	if m.Latitude == nil || *m.Latitude != 1.5 || m.Longitude == nil || *m.Longitude != 2 {
		t.Fatalf("unexpected position: %v %v", m.Latitude, m.Longitude)
	}
	if m.Level == nil || *m.Level != -90 {
		t.Fatalf("expected level -90, got %v", m.Level)
	}
	if m.Qual == nil || *m.Qual != -10 {
		t.Fatalf("expected qual -10, got %v", m.Qual)
	}
	if m.SNR == nil || *m.SNR != 3 {
		t.Fatalf("expected truncated snr 3, got %v", m.SNR)
	}
	if m.NetworkTech == nil || *m.NetworkTech != "NR" {
		t.Fatalf("expected network tech NR, got %v", m.NetworkTech)
	}
	if m.RTTMs != nil {
		t.Fatalf("expected decoded measurement to carry no rtt")
	}
}

func TestDecodeEnvelopeTolerantFieldConversion(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"measurement","id":"m1","radio":{"level":"strong","cell_id":true}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	m := env.Measurement.Measurement
	if m.Level != nil || m.CellID != nil {
		t.Fatalf("expected unconvertible fields to be unset, got level=%v cell=%v", m.Level, m.CellID)
	}

	for _, value := range []string{"1e30", "-1e30", "9223372036854775808"} {
		env, err := DecodeEnvelope([]byte(`{"type":"measurement","id":"m1","radio":{"cell_id":` + value + `,"serving_time":` + value + `}}`))
		if err != nil {
			t.Fatalf("decode cell_id %s failed: %v", value, err)
		}
		m := env.Measurement.Measurement
		if m.CellID != nil || m.ServingTimeMs != nil {
			t.Fatalf("expected out of range %s to be unset, got cell=%v serving=%v", value, m.CellID, m.ServingTimeMs)
		}
	}

	env, err = DecodeEnvelope([]byte(`{"type":"measurement","id":"m1","radio":{"cell_id":-9.2e18}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got := env.Measurement.Measurement.CellID; got == nil || *got != -9200000000000000000 {
		t.Fatalf("expected in range float cell_id to convert, got %v", got)
	}
}

func TestDecodeEnvelopeWrongShapedSectionsReadAsUnset(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"measurement","id":"m1","radio":{"rsrp":-90},"rtt_updates":"none"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if m := env.Measurement.Measurement; m.Level == nil || *m.Level != -90 {
		t.Fatalf("expected level -90, got %v", m.Level)
	}
	if len(env.Measurement.RTTUpdates) != 0 {
		t.Fatalf("expected non-list rtt_updates to carry no patches, got %+v", env.Measurement.RTTUpdates)
	}
	if frame, ok, _ := env.Ack(); !ok || string(frame) != `{"type":"measurement_ack","id":"m1"}` {
		t.Fatalf("expected ack for m1, got %s ok=%v", frame, ok)
	}

	env, err = DecodeEnvelope([]byte(`{"type":"measurement","id":"m2","session_id":"s1","radio":"n/a","position":[1,2],"gps":{"lat":3,"lon":4}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := Measurement{ID: "m2", SessionID: ptr("s1"), Latitude: ptr(3.0), Longitude: ptr(4.0)}
	if diff := cmp.Diff(want, env.Measurement.Measurement); diff != "" {
		t.Fatalf("measurement mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := env.Ack(); !ok {
		t.Fatalf("expected ack for m2")
	}

	env, err = DecodeEnvelope([]byte(`{"type":"measurement","id":"m3","radio":{"neighbors":[7,{"cell_id":1},"x",{"cell_id":2}]}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	wantNeighbors := []NeighborCell{{CellID: ptr(int64(1))}, {CellID: ptr(int64(2))}}
	if diff := cmp.Diff(wantNeighbors, env.Measurement.Measurement.Neighbors); diff != "" {
		t.Fatalf("neighbors mismatch (-want +got):\n%s", diff)
	}

	env, err = DecodeEnvelope([]byte(`{"type":"measurement","id":"m4","radio":{"neighbors":{"cell_id":1}}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if n := env.Measurement.Measurement.Neighbors; n != nil {
		t.Fatalf("expected non-list neighbors to be unset, got %+v", n)
	}
}

func TestDecodeEnvelopeKeepsNonObjectRTTEntriesAsIncomplete(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"measurement","id":"m1","rtt_updates":["m0",{"id":"m0","rtt_ms":5},null,{"id":["m0"],"rtt_ms":1}]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	items := env.Measurement.RTTUpdates
	if len(items) != 4 {
		t.Fatalf("expected 4 rtt items, got %+v", items)
	}
	for i, item := range items {
		_, ok := item.Patch()
		if ok != (i == 1) {
			t.Fatalf("item %d: unexpected completeness %v for %+v", i, ok, item)
		}
	}

	env, err = DecodeEnvelope([]byte(`{"type":"rtt_updates","items":{"id":"a","rtt_ms":1}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.RTTFlush == nil || len(env.RTTFlush.Items) != 0 {
		t.Fatalf("expected non-list items to carry no patches, got %+v", env.RTTFlush)
	}
}

func TestDecodeEnvelopeNumericID(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"measurement","id":17}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.ID != "17" {
		t.Fatalf("expected id 17, got %q", env.ID)
	}
	frame, ok, err := env.Ack()
	if err != nil || !ok {
		t.Fatalf("expected ack, got ok=%v err=%v", ok, err)
	}
	if got := string(frame); got != `{"type":"measurement_ack","id":17}` {
		t.Fatalf("expected numeric id echoed, got %s", got)
	}
}

func TestEnvelopeAckUsesTrimmedStringID(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"measurement","id":" m1 "}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.ID != "m1" || env.Measurement.Measurement.ID != "m1" {
		t.Fatalf("expected trimmed id m1, got %q / %q", env.ID, env.Measurement.Measurement.ID)
	}
	frame, ok, err := env.Ack()
	if err != nil || !ok {
		t.Fatalf("expected ack, got ok=%v err=%v", ok, err)
	}
	if got := string(frame); got != `{"type":"measurement_ack","id":"m1"}` {
		t.Fatalf("expected ack to carry the stored id, got %s", got)
	}
}

func TestEnvelopeAck(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"measurement","id":"m1"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	frame, ok, err := env.Ack()
	if err != nil || !ok {
		t.Fatalf("expected ack, got ok=%v err=%v", ok, err)
	}
	if got := string(frame); got != `{"type":"measurement_ack","id":"m1"}` {
		t.Fatalf("unexpected ack frame %s", got)
	}

	for _, raw := range []string{`{"type":"measurement"}`, `{"type":"measurement","id":""}`, `{"type":"measurement","id":null}`} {
		env, err := DecodeEnvelope([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s failed: %v", raw, err)
		}
		if _, ok, _ := env.Ack(); ok {
			t.Fatalf("expected no ack for %s", raw)
		}
	}
}

func TestDecodeEnvelopeRTTUpdates(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"rtt_updates","items":[{"id":"a","rtt_ms":10},{"id":"b","rtt_ms":"12.5"}]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Kind != KindRTTUpdates || env.RTTFlush == nil {
		t.Fatalf("expected rtt flush payload, got %+v", env)
	}
	want := []RTTItem{
		{MeasurementID: "a", RTTMs: ptr(10.0)},
		{MeasurementID: "b", RTTMs: ptr(12.5)},
	}
	if diff := cmp.Diff(want, env.RTTFlush.Items); diff != "" {
		t.Fatalf("rtt items mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := env.Ack(); ok {
		t.Fatalf("expected no ack for frame without id")
	}
}

func TestDecodeEnvelopeSessionSummary(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"session_summary","session_id":" s1 ","started_at_ms":100,"ended_at_ms":null,"reconnect_count":2,"total_downtime_ms":"1500"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := SessionStats{SessionID: "s1", StartedAtMs: ptr(int64(100)), ReconnectCount: 2, TotalDowntimeMs: 1500}
	if diff := cmp.Diff(want, env.Session.Stats); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeEnvelopeUnknownKinds(t *testing.T) {
	for _, raw := range []string{`{"type":"hello","id":"x"}`, `{"id":"x"}`, `{"type":null}`, `{"type":7,"id":"m4"}`, `{"type":{"kind":"measurement"},"id":"m5"}`} {
		env, err := DecodeEnvelope([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s failed: %v", raw, err)
		}
		if env.Kind != KindUnknown {
			t.Fatalf("expected unknown kind for %s, got %q", raw, env.Kind)
		}
		if len(env.Raw) == 0 {
			t.Fatalf("expected raw frame to be retained for %s", raw)
		}
	}

	env, err := DecodeEnvelope([]byte(`{"type":7,"id":"m4"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame, ok, _ := env.Ack(); !ok || string(frame) != `{"type":"measurement_ack","id":"m4"}` {
		t.Fatalf("expected unknown kind with id to be acked, got %s ok=%v", frame, ok)
	}
}

func TestDecodeEnvelopeRejectsMalformedFrames(t *testing.T) {
	cases := []string{
		``,
		`not json`,
		`{"type":"measurement"`,
		`[1,2,3]`,
		`"measurement"`,
		`{"type":"measurement","id":{"nested":true}}`,
		`{"type":"measurement","id":["m1"]}`,
		`{"type":"measurement","id":true}`,
	}
	for _, raw := range cases {
		if _, err := DecodeEnvelope([]byte(raw)); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		} else if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame for %q, got %v", raw, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"measurement":     KindMeasurement,
		" Measurement ":   KindMeasurement,
		"RTT_UPDATES":     KindRTTUpdates,
		"session_summary": KindSessionSummary,
		"":                KindUnknown,
		"measurement_ack": KindUnknown,
	}
	for raw, want := range cases {
		if got := ParseKind(raw); got != want {
			t.Fatalf("ParseKind(%q): expected %q, got %q", raw, want, got)
		}
	}
}
