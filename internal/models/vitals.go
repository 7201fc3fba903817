package models

import (
	"time"

	"github.com/google/uuid"
)

// VitalsReading is a single set of patient vital signs submitted for
// scoring. Field names and types match the scoring service's wire format.
type VitalsReading struct {
	RespiratoryRate  float64 `json:"respiratory_rate" validate:"required,gte=0,lte=80"`
	OxygenSaturation float64 `json:"oxygen_saturation" validate:"required,gte=50,lte=100"`
	O2Scale          int     `json:"o2_scale" validate:"oneof=1 2"`
	SystolicBP       float64 `json:"systolic_bp" validate:"required,gte=40,lte=300"`
	HeartRate        float64 `json:"heart_rate" validate:"required,gte=20,lte=300"`
	Temperature      float64 `json:"temperature" validate:"required,gte=30,lte=45"`
	Consciousness    string  `json:"consciousness" validate:"oneof=A P U V C"`
	OnOxygen         int     `json:"on_oxygen" validate:"oneof=0 1"`
}

// Prediction is the scoring service's answer for one vitals reading.
type Prediction struct {
	RiskLevel     string             `json:"risk_level"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// PredictionRecord is an append-only snapshot of a submitted reading and
// the prediction it produced, associated with a subject id. Records are
// never mutated or deleted.
type PredictionRecord struct {
	ID            uuid.UUID          `json:"id"`
	SubjectID     string             `json:"subject_id"`
	Vitals        VitalsReading      `json:"vitals"`
	RiskLevel     string             `json:"risk_level"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}
