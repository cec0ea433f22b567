package domain

import "time"

// ConnStatus is a step in a streaming connection's lifecycle.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnStopped      ConnStatus = "stopped"
)

// ConnectionState is a point-in-time view of one connector's health.
type ConnectionState struct {
	Venue      string        `json:"venue"`
	Status     ConnStatus    `json:"status"`
	Backoff    time.Duration `json:"backoff"`
	Messages   uint64        `json:"messages"`
	Errors     uint64        `json:"errors"`
	Reconnects uint64        `json:"reconnects"`
	LastPrice  float64       `json:"last_price"`
	Bid        float64       `json:"bid"`
	Ask        float64       `json:"ask"`
	LastUpdate time.Time     `json:"last_update"`
}

// Connected reports whether the connection is currently up.
func (s ConnectionState) Connected() bool {
	return s.Status == ConnConnected
}
