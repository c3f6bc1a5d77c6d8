package api

import "time"

// HealthzResponse is the GET /healthz payload.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Instances     int    `json:"instances"`
}

// InstanceSummary is one row of the GET /v1/instances payload.
type InstanceSummary struct {
	SpicaID    string    `json:"spica_id"`
	Generation int       `json:"generation"`
	ParentID   string    `json:"parent_id,omitempty"`
	SpawnedAt  time.Time `json:"spawned_at"`
	Locked     bool      `json:"locked"`
	Incomplete bool      `json:"incomplete,omitempty"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
