package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Kind string

const (
	KindMeasurement    Kind = "measurement"
	KindRTTUpdates     Kind = "rtt_updates"
	KindSessionSummary Kind = "session_summary"
	KindUnknown        Kind = "unknown"
)

const AckType = "measurement_ack"

// Envelope is a decoded frame moving through the pipeline. Exactly one payload
// pointer is set for the known kinds; unknown kinds carry only the raw frame.
type Envelope struct {
	Kind        Kind
	RawKind     string
	ID          string
	Measurement *MeasurementPayload
	RTTFlush    *RTTFlushPayload
	Session     *SessionSummaryPayload
	Raw         json.RawMessage

	ackID json.RawMessage
}

type MeasurementPayload struct {
	Measurement Measurement
	RTTUpdates  []RTTItem
}

// RTTItem keeps incomplete items so the worker can report what it skipped.
type RTTItem struct {
	MeasurementID string
	RTTMs         *float64
}

func (i RTTItem) Patch() (RTTPatch, bool) {
	if strings.TrimSpace(i.MeasurementID) == "" || i.RTTMs == nil {
		return RTTPatch{}, false
	}
	return RTTPatch{MeasurementID: i.MeasurementID, RTTMs: *i.RTTMs}, true
}

type RTTFlushPayload struct {
	Items []RTTItem
}

type SessionSummaryPayload struct {
	Stats SessionStats
}

type ackFrame struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
}

// Ack returns the acknowledgment frame for the envelope. Numeric ids are echoed
// exactly as the sender encoded them; string ids are echoed as stored. ok is
// false when the frame carried no id.
func (e Envelope) Ack() (frame []byte, ok bool, err error) {
	if e.ID == "" {
		return nil, false, nil
	}
	id := e.ackID
	if len(id) == 0 {
		id, err = json.Marshal(e.ID)
		if err != nil {
			return nil, false, err
		}
	}
	frame, err = json.Marshal(ackFrame{Type: AckType, ID: id})
	if err != nil {
		return nil, false, err
	}
	return frame, true, nil
}

func ParseKind(raw string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindMeasurement:
		return KindMeasurement
	case KindRTTUpdates:
		return KindRTTUpdates
	case KindSessionSummary:
		return KindSessionSummary
	default:
		return KindUnknown
	}
}

// DecodeEnvelope checks the envelope header against the frame schema and
// decodes raw once into the typed payload for its kind. Only a frame that is
// not a JSON object, or whose id is neither a string nor a number, is
// rejected; optional sections of the wrong shape read as unset. Every failure
// wraps ErrMalformedFrame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	schema, err := loadFrameSchema()
	if err != nil {
		return Envelope{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var header struct {
		Type looseValue `json:"type"`
		ID   looseValue `json:"id"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	env := Envelope{
		Raw: append(json.RawMessage(nil), raw...),
	}
	if rawKind := header.Type.asText(); rawKind != nil {
		env.RawKind = *rawKind
	}
	env.Kind = ParseKind(env.RawKind)
	if id := header.ID.asText(); id != nil && strings.TrimSpace(*id) != "" {
		env.ID = strings.TrimSpace(*id)
		if !header.ID.isString() {
			env.ackID = header.ID.raw
		}
	}

	switch env.Kind {
	case KindMeasurement:
		var frame measurementFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		env.Measurement = &MeasurementPayload{
			Measurement: frame.measurement(env.ID),
			RTTUpdates:  rttItems(frame.RTTUpdates),
		}
	case KindRTTUpdates:
		var frame struct {
			Items looseList[rttItemFrame] `json:"items"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		env.RTTFlush = &RTTFlushPayload{Items: rttItems(frame.Items)}
	case KindSessionSummary:
		var frame sessionFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		env.Session = &SessionSummaryPayload{Stats: frame.stats()}
	}
	return env, nil
}

type positionFrame struct {
	Lat      looseValue `json:"lat"`
	Lon      looseValue `json:"lon"`
	SpeedKmh looseValue `json:"speed_kmh"`
}

type neighborFrame struct {
	CellID looseValue `json:"cell_id"`
	Level  looseValue `json:"level"`
	RSRP   looseValue `json:"rsrp"`
	Qual   looseValue `json:"qual"`
	RSRQ   looseValue `json:"rsrq"`
}

type radioFrame struct {
	Level       looseValue               `json:"level"`
	RSRP        looseValue               `json:"rsrp"`
	Qual        looseValue               `json:"qual"`
	RSRQ        looseValue               `json:"rsrq"`
	SNR         looseValue               `json:"snr"`
	SINR        looseValue               `json:"sinr"`
	CellID      looseValue               `json:"cell_id"`
	NetworkTech looseValue               `json:"network_tech"`
	NetworkType looseValue               `json:"network_type"`
	NetworkMode looseValue               `json:"network_mode"`
	LTERSSI     looseValue               `json:"lte_rssi"`
	CGI         looseValue               `json:"cgi"`
	ServingTime looseValue               `json:"serving_time"`
	Band        looseValue               `json:"band"`
	Bandwidth   looseValue               `json:"bandwidth"`
	Neighbors   looseList[neighborFrame] `json:"neighbors"`
}

type rttItemFrame struct {
	ID    looseValue `json:"id"`
	RTTMs looseValue `json:"rtt_ms"`
}

type measurementFrame struct {
	SessionID     looseValue                 `json:"session_id"`
	Timestamp     looseValue                 `json:"timestamp"`
	TimestampSent looseValue                 `json:"timestamp_sent"`
	Position      looseObject[positionFrame] `json:"position"`
	GPS           looseObject[positionFrame] `json:"gps"`
	Radio         looseObject[radioFrame]    `json:"radio"`
	Outage        looseValue                 `json:"outage"`
	RTTUpdates    looseList[rttItemFrame]    `json:"rtt_updates"`
}

func (f measurementFrame) measurement(id string) Measurement {
	m := Measurement{
		ID:          id,
		SessionID:   f.SessionID.asText(),
		TimestampMs: firstSet(f.Timestamp.asInt64(), f.TimestampSent.asInt64()),
		Outage:      f.Outage.asBool(),
	}
	if position := firstSet(f.Position.value, f.GPS.value); position != nil {
		m.Latitude = position.Lat.asFloat()
		m.Longitude = position.Lon.asFloat()
		m.SpeedKmh = position.SpeedKmh.asFloat()
	}
	if r := f.Radio.value; r != nil {
		m.Level = firstSet(r.Level.asInt(), r.RSRP.asInt())
		m.Qual = firstSet(r.Qual.asInt(), r.RSRQ.asInt())
		m.SNR = firstSet(r.SNR.asInt(), r.SINR.asInt())
		m.CellID = r.CellID.asInt64()
		m.NetworkTech = firstSet(r.NetworkTech.asText(), r.NetworkType.asText())
		m.NetworkMode = r.NetworkMode.asText()
		m.LTERSSI = r.LTERSSI.asInt()
		m.CGI = r.CGI.asText()
		m.ServingTimeMs = r.ServingTime.asInt64()
		m.Band = r.Band.asText()
		m.Bandwidth = r.Bandwidth.asInt()
		for _, n := range r.Neighbors.items {
			if len(m.Neighbors) == MaxNeighborCells {
				break
			}
			if n == nil {
				continue
			}
			m.Neighbors = append(m.Neighbors, NeighborCell{
				CellID: n.CellID.asInt64(),
				Level:  firstSet(n.Level.asInt(), n.RSRP.asInt()),
				Qual:   firstSet(n.Qual.asInt(), n.RSRQ.asInt()),
			})
		}
	}
	return m
}

type sessionFrame struct {
	SessionID       looseValue `json:"session_id"`
	StartedAtMs     looseValue `json:"started_at_ms"`
	EndedAtMs       looseValue `json:"ended_at_ms"`
	ReconnectCount  looseValue `json:"reconnect_count"`
	TotalDowntimeMs looseValue `json:"total_downtime_ms"`
}

func (f sessionFrame) stats() SessionStats {
	stats := SessionStats{
		StartedAtMs: f.StartedAtMs.asInt64(),
		EndedAtMs:   f.EndedAtMs.asInt64(),
	}
	if id := f.SessionID.asText(); id != nil {
		stats.SessionID = strings.TrimSpace(*id)
	}
	if n := f.ReconnectCount.asInt(); n != nil {
		stats.ReconnectCount = *n
	}
	if n := f.TotalDowntimeMs.asInt64(); n != nil {
		stats.TotalDowntimeMs = *n
	}
	return stats
}

// rttItems keeps entries that are not objects as empty items so the worker
// counts them as skipped.
func rttItems(frames looseList[rttItemFrame]) []RTTItem {
	if len(frames.items) == 0 {
		return nil
	}
	items := make([]RTTItem, 0, len(frames.items))
	for _, frame := range frames.items {
		if frame == nil {
			items = append(items, RTTItem{})
			continue
		}
		item := RTTItem{RTTMs: frame.RTTMs.asFloat()}
		if id := frame.ID.asText(); id != nil {
			item.MeasurementID = strings.TrimSpace(*id)
		}
		items = append(items, item)
	}
	return items
}

// looseValue defers conversion of a scalar until the target type is known.
// Values that cannot be converted read as unset rather than failing the frame.
type looseValue struct {
	raw json.RawMessage
}

func (v *looseValue) UnmarshalJSON(data []byte) error {
	v.raw = append(v.raw[:0], data...)
	return nil
}

func (v looseValue) scalar() any {
	if len(v.raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(v.raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

func (v looseValue) isString() bool {
	raw := bytes.TrimSpace(v.raw)
	return len(raw) > 0 && raw[0] == '"'
}

func (v looseValue) asInt64() *int64 {
	switch x := v.scalar().(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return &n
		}
		// Fractions truncate toward zero; values outside int64 read as unset.
		if f, err := x.Float64(); err == nil && f >= math.MinInt64 && f < math.MaxInt64 {
			return ptr(int64(f))
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func (v looseValue) asInt() *int {
	n := v.asInt64()
	if n == nil || *n > math.MaxInt32 || *n < math.MinInt32 {
		return nil
	}
	return ptr(int(*n))
}

func (v looseValue) asFloat() *float64 {
	var f float64
	var err error
	switch x := v.scalar().(type) {
	case json.Number:
		f, err = x.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return nil
	}
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return &f
}

func (v looseValue) asText() *string {
	switch x := v.scalar().(type) {
	case string:
		return &x
	case json.Number:
		return ptr(x.String())
	case bool:
		return ptr(strconv.FormatBool(x))
	}
	return nil
}

func (v looseValue) asBool() *bool {
	switch x := v.scalar().(type) {
	case bool:
		return &x
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil
		}
		return ptr(f != 0)
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return &b
		}
	}
	return nil
}

// looseObject decodes T only when the value is a JSON object. Any other shape
// reads as unset.
type looseObject[T any] struct {
	value *T
}

func (o *looseObject[T]) UnmarshalJSON(data []byte) error {
	o.value = nil
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	o.value = &value
	return nil
}

// looseList decodes a JSON array of objects. Entries that are not objects stay
// nil in items; a value that is not an array reads as an empty list.
type looseList[T any] struct {
	items []*T
}

func (l *looseList[T]) UnmarshalJSON(data []byte) error {
	l.items = nil
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	for _, entry := range entries {
		var obj looseObject[T]
		_ = obj.UnmarshalJSON(entry)
		l.items = append(l.items, obj.value)
	}
	return nil
}

func firstSet[T any](values ...*T) *T {
	for _, value := range values {
		if value != nil {
			return value
		}
	}
	return nil
}

const frameSchemaURL = "https://agentworkforce.dev/drivetel/schema/envelope.json"

// frameSchemaSource constrains only the header every kind shares. Payload
// fields are converted leniently during decoding.
const frameSchemaSource = `{
	"type": "object",
	"properties": {
		"id": {"type": ["string", "number", "null"]}
	}
}`

var loadFrameSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaSource))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return schema, nil
})
