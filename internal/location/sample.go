// Package location turns the device location API into a restartable stream of
// Samples.
package location

import "time"

// Movement is the derived motion state of a Sample.
type Movement string

const (
	Moving  Movement = "moving"
	Stopped Movement = "stopped"
)

// movingSpeed is the speed in m/s above which a driver counts as moving.
const movingSpeed = 1.0

// Position is a raw fix from the platform.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Speed     *float64
	Timestamp time.Time
}

// Sample is a Position with its movement state, as sent on the live channel.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Speed     *float64  `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
	Movement  Movement  `json:"movementState"`
}

// MovementFor derives the movement state from a speed; unknown speed is stopped.
func MovementFor(speed *float64) Movement {
	if speed != nil && *speed > movingSpeed {
		return Moving
	}
	return Stopped
}

// NewSample converts a Position.
func NewSample(p Position) Sample {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Sample{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		Timestamp: ts.UTC(),
		Movement:  MovementFor(p.Speed),
	}
}
