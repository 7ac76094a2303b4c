package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
)

const earthRadius = 6371000.0 // meters

// Waypoint is a point of a simulated route.
type Waypoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SimConfig configures a Simulated platform.
type SimConfig struct {
	Waypoints []Waypoint
	// Speed in m/s along the route.
	Speed float64
	// Step is the simulation tick.
	Step     time.Duration
	Accuracy float64
}

// Simulated is a Platform that drives along a fixed route, looping at the
// end, and applies the interval-or-distance emission policy.
type Simulated struct {
	cfg SimConfig
	now func() time.Time

	mu         sync.Mutex
	foreground bool
	background bool
	leg        int
	progress   float64 // meters along the current leg
}

// DefaultRoute is a short loop used when no route file is configured.
var DefaultRoute = []Waypoint{
	{Lat: -23.561414, Lng: -46.655881},
	{Lat: -23.564246, Lng: -46.652364},
	{Lat: -23.567554, Lng: -46.648643},
	{Lat: -23.570871, Lng: -46.645035},
	{Lat: -23.566163, Lng: -46.640706},
}

func NewSimulated(cfg SimConfig) *Simulated {
	if len(cfg.Waypoints) == 0 {
		cfg.Waypoints = DefaultRoute
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Second
	}
	if cfg.Accuracy <= 0 {
		cfg.Accuracy = 8
	}
	return &Simulated{cfg: cfg, now: time.Now, foreground: true, background: true}
}

// LoadWaypoints reads a JSON array of {"lat", "lng"} objects.
func LoadWaypoints(path string) ([]Waypoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route: %w", err)
	}
	var wps []Waypoint
	if err := json.Unmarshal(data, &wps); err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	if len(wps) == 0 {
		return nil, errors.New("route has no waypoints")
	}
	return wps, nil
}

// SetPermissions changes what the simulated device grants.
func (s *Simulated) SetPermissions(foreground, background bool) {
	s.mu.Lock()
	s.foreground, s.background = foreground, background
	s.mu.Unlock()
}

func (s *Simulated) RequestForeground(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground, nil
}

func (s *Simulated) RequestBackground(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground && s.background, nil
}

func (s *Simulated) Current(context.Context) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.foreground {
		return Position{}, errors.New("permission denied")
	}
	return s.position(), nil
}

func (s *Simulated) Watch(ctx context.Context, opts Options) (<-chan Position, error) {
	opts = opts.withDefaults()
	out := make(chan Position, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.cfg.Step)
		defer ticker.Stop()

		s.mu.Lock()
		last := s.position()
		s.mu.Unlock()
		lastAt := s.now()
		if !emit(ctx, out, last) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			s.mu.Lock()
			granted := s.foreground
			s.advance(s.cfg.Speed * s.cfg.Step.Seconds())
			p := s.position()
			s.mu.Unlock()

			// A revoked permission silently stops emission.
			if !granted {
				continue
			}

			now := s.now()
			if Distance(last, p) < opts.Distance && now.Sub(lastAt) < opts.Interval {
				continue
			}
			if !emit(ctx, out, p) {
				return
			}
			last, lastAt = p, now
		}
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- Position, p Position) bool {
	select {
	case out <- p:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Simulated) advance(meters float64) {
	wps := s.cfg.Waypoints
	if len(wps) < 2 || meters <= 0 {
		return
	}
	total := 0.0
	for i := range wps {
		total += s.legLength(i)
	}
	if total == 0 {
		return
	}
	s.progress += math.Mod(meters, total)
	for {
		l := s.legLength(s.leg)
		if s.progress < l {
			return
		}
		s.progress -= l
		s.leg = (s.leg + 1) % len(wps)
	}
}

func (s *Simulated) legLength(i int) float64 {
	wps := s.cfg.Waypoints
	a, b := wps[i], wps[(i+1)%len(wps)]
	return haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

func (s *Simulated) position() Position {
	wps := s.cfg.Waypoints
	a := wps[s.leg]
	lat, lng := a.Lat, a.Lng
	if len(wps) > 1 {
		b := wps[(s.leg+1)%len(wps)]
		if legLen := s.legLength(s.leg); legLen > 0 {
			f := s.progress / legLen
			lat += (b.Lat - a.Lat) * f
			lng += (b.Lng - a.Lng) * f
		}
	}
	speed := s.cfg.Speed
	return Position{
		Latitude:  lat,
		Longitude: lng,
		Accuracy:  s.cfg.Accuracy,
		Speed:     &speed,
		Timestamp: s.now(),
	}
}

// Distance returns the great-circle distance between two positions in meters.
func Distance(a, b Position) float64 {
	return haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}
