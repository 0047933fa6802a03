package telemetry

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrQueueClosed    = errors.New("queue closed")
	ErrStopped        = errors.New("processor stopped")
)

const MaxNeighborCells = 3

// Measurement is one radio/GPS sample keyed by the client-generated ID. RTTMs is
// never written by an insert; it is only set through PatchRTTIfUnset.
type Measurement struct {
	ID            string         `json:"id"`
	SessionID     *string        `json:"sessionId,omitempty"`
	TimestampMs   *int64         `json:"timestampMs,omitempty"`
	Latitude      *float64       `json:"latitude,omitempty"`
	Longitude     *float64       `json:"longitude,omitempty"`
	SpeedKmh      *float64       `json:"speedKmh,omitempty"`
	Level         *int           `json:"level,omitempty"`
	Qual          *int           `json:"qual,omitempty"`
	SNR           *int           `json:"snr,omitempty"`
	CellID        *int64         `json:"cellId,omitempty"`
	NetworkTech   *string        `json:"networkTech,omitempty"`
	NetworkMode   *string        `json:"networkMode,omitempty"`
	LTERSSI       *int           `json:"lteRssi,omitempty"`
	CGI           *string        `json:"cgi,omitempty"`
	ServingTimeMs *int64         `json:"servingTimeMs,omitempty"`
	Band          *string        `json:"band,omitempty"`
	Bandwidth     *int           `json:"bandwidth,omitempty"`
	Neighbors     []NeighborCell `json:"neighbors,omitempty"`
	Outage        *bool          `json:"outage,omitempty"`
	RTTMs         *float64       `json:"rttMs,omitempty"`
}

type NeighborCell struct {
	CellID *int64 `json:"cellId,omitempty"`
	Level  *int   `json:"level,omitempty"`
	Qual   *int   `json:"qual,omitempty"`
}

type RTTPatch struct {
	MeasurementID string  `json:"id"`
	RTTMs         float64 `json:"rtt_ms"`
}

// SessionStats is overwritten wholesale by every upsert. UpdatedAt is assigned
// by the repository and never moves backwards.
type SessionStats struct {
	SessionID       string    `json:"sessionId"`
	StartedAtMs     *int64    `json:"startedAtMs,omitempty"`
	EndedAtMs       *int64    `json:"endedAtMs,omitempty"`
	ReconnectCount  int       `json:"reconnectCount"`
	TotalDowntimeMs int64     `json:"totalDowntimeMs"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func ptr[T any](v T) *T {
	return &v
}
