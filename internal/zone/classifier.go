package zone

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

// Classifier maps a coordinate to the service zone whose polygon
// contains it. Zone data is read-only configuration; Replace swaps the
// whole set atomically so a poll refresh never tears a lookup.
type Classifier struct {
	mu    sync.RWMutex
	zones []models.ServiceZone
}

func NewClassifier(zones []models.ServiceZone) *Classifier {
	return &Classifier{zones: zones}
}

// Classify returns the first active zone containing the coordinate.
// A hit on a maintenance zone or no hit at all is ErrInvalidZone.
func (c *Classifier) Classify(p models.Coord) (models.ServiceZone, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, z := range c.zones {
		if !pointInPolygon(p, z.Polygon) {
			continue
		}
		if z.Status != models.ZoneActive {
			return models.ServiceZone{}, fmt.Errorf("zone %s is %s: %w", z.ID, z.Status, models.ErrInvalidZone)
		}
		return z, nil
	}
	return models.ServiceZone{}, fmt.Errorf("no zone covers %.5f,%.5f: %w", p.Lat, p.Lon, models.ErrInvalidZone)
}

func (c *Classifier) Zone(id string) (models.ServiceZone, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, z := range c.zones {
		if z.ID == id {
			return z, true
		}
	}
	return models.ServiceZone{}, false
}

func (c *Classifier) Zones() []models.ServiceZone {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ServiceZone, len(c.zones))
	copy(out, c.zones)
	return out
}

func (c *Classifier) Replace(zones []models.ServiceZone) {
	c.mu.Lock()
	c.zones = zones
	c.mu.Unlock()
}

// LoadFile reads a zone set from a JSON file.
func LoadFile(path string) ([]models.ServiceZone, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var zones []models.ServiceZone
	if err := json.Unmarshal(b, &zones); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return zones, nil
}

// WatchFile polls the zone file and swaps in new data on change. Parse
// failures keep the previous set.
func (c *Classifier) WatchFile(ctx context.Context, path string, interval time.Duration, log *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			zones, err := LoadFile(path)
			if err != nil {
				log.Warn("zone refresh failed", "path", path, "error", err)
				continue
			}
			c.Replace(zones)
			log.Debug("zones refreshed", "count", len(zones))
		}
	}
}

// pointInPolygon is a ray cast over the polygon edges.
func pointInPolygon(p models.Coord, poly []models.Coord) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Lat > p.Lat) != (pj.Lat > p.Lat) &&
			p.Lon < (pj.Lon-pi.Lon)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat)+pi.Lon {
			inside = !inside
		}
		j = i
	}
	return inside
}
