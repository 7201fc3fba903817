package models

import "time"

// RatelimitConfig is the DB-backed rate limit row (ulule format, e.g. "5-S").
type RatelimitConfig struct {
	ConfigKey string    `json:"config_key"`
	Rate      string    `json:"rate"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
