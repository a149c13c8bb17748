package bus

import (
	"math"
	"time"
)

// Class is the priority tier of a recompute event.
type Class string

const (
	ClassMicro    Class = "micro"
	ClassModerate Class = "moderate"
	ClassMajor    Class = "major"
)

// Rank orders classes from lowest to highest priority.
func (c Class) Rank() int {
	switch c {
	case ClassMajor:
		return 2
	case ClassModerate:
		return 1
	default:
		return 0
	}
}

// Classifier maps magnitudes onto classes.
type Classifier struct {
	MicroThreshold float64
	MajorThreshold float64
}

// DefaultClassifier uses micro < 0.25 <= moderate <= 1.0 < major.
func DefaultClassifier() Classifier {
	return Classifier{MicroThreshold: 0.25, MajorThreshold: 1.0}
}

// Classify returns the class for a magnitude. The sign is ignored.
func (c Classifier) Classify(magnitude float64) Class {
	m := math.Abs(magnitude)
	switch {
	case m < c.MicroThreshold:
		return ClassMicro
	case m <= c.MajorThreshold:
		return ClassModerate
	default:
		return ClassMajor
	}
}

var typeMagnitudes = map[string]float64{
	"line_move":         0.5,
	"odds_change":       0.3,
	"volume_spike":      0.2,
	"injury_news":       1.5,
	"lineup_change":     1.2,
	"weather_update":    0.4,
	"market_suspension": 2.0,
}

var typeCostMultipliers = map[string]float64{
	"injury_news":       2.0,
	"lineup_change":     1.5,
	"market_suspension": 2.5,
	"odds_change":       1.0,
	"line_move":         1.2,
}

var classBaseCost = map[Class]float64{
	ClassMicro:    0.1,
	ClassModerate: 1.0,
	ClassMajor:    3.0,
}

// EstimateMagnitude derives a magnitude when the producer did not supply
// one. Payload hints win over the per-type table: "magnitude", then
// "change_amount", then "odds_change" (in cents, scaled by 1/100).
func EstimateMagnitude(eventType string, payload map[string]any) float64 {
	if v, ok := number(payload["magnitude"]); ok {
		return v
	}
	if v, ok := number(payload["change_amount"]); ok {
		return math.Abs(v)
	}
	if v, ok := number(payload["odds_change"]); ok {
		return math.Abs(v) / 100
	}
	if m, ok := typeMagnitudes[eventType]; ok {
		return m
	}
	return 0.5
}

// EstimateCost is the relative computational cost of recomputing after an
// event of the given class and type.
func EstimateCost(class Class, eventType string) float64 {
	mult, ok := typeCostMultipliers[eventType]
	if !ok {
		mult = 1.0
	}
	return classBaseCost[class] * mult
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

// RecomputeEvent is one upstream change submitted for recomputation.
type RecomputeEvent struct {
	ID        string         `json:"id"`
	PropID    string         `json:"prop_id"`
	EventType string         `json:"event_type"`
	Magnitude float64        `json:"magnitude"`
	Class     Class          `json:"class"`
	Cost      float64        `json:"cost"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
