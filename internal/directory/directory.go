// Package directory is the read-only catalogue of known stores.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"crowdease/internal/model"
)

const earthRadiusKm = 6371.0

type Directory struct {
	stores []model.Store
	byID   map[string]int
}

// Nearby is a store together with its distance from the query point.
type Nearby struct {
	Store      model.Store
	DistanceKm float64
}

type file struct {
	Stores []model.Store `json:"stores" yaml:"stores"`
}

// Load reads a YAML or JSON directory file. The file holds either a list of
// stores or an object with a stores key.
func Load(path string) (*Directory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, errors.New("directory file is empty")
	}
	var stores []model.Store
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal([]byte(trimmed), &stores)
	} else if strings.HasPrefix(trimmed, "{") {
		var f file
		err = json.Unmarshal([]byte(trimmed), &f)
		stores = f.Stores
	} else {
		var node yaml.Node
		if err = yaml.Unmarshal([]byte(trimmed), &node); err == nil {
			stores, err = decodeYAML(&node)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return New(stores)
}

func decodeYAML(node *yaml.Node) ([]model.Store, error) {
	root := node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind == yaml.SequenceNode {
		var stores []model.Store
		err := root.Decode(&stores)
		return stores, err
	}
	var f file
	err := root.Decode(&f)
	return f.Stores, err
}

// New builds a directory. Stores without opening hours get the defaults of
// their type.
func New(stores []model.Store) (*Directory, error) {
	d := &Directory{
		stores: make([]model.Store, 0, len(stores)),
		byID:   make(map[string]int, len(stores)),
	}
	for _, s := range stores {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, errors.New("store without id")
		}
		if _, dup := d.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate store id %q", s.ID)
		}
		if s.Coordinates.Lat < -90 || s.Coordinates.Lat > 90 || s.Coordinates.Lng < -180 || s.Coordinates.Lng > 180 {
			return nil, fmt.Errorf("store %s: coordinates out of range", s.ID)
		}
		if s.OpeningHours == nil {
			hours := DefaultOpeningHours(s.Type)
			s.OpeningHours = &hours
		} else if err := validateHours(*s.OpeningHours); err != nil {
			return nil, fmt.Errorf("store %s: %w", s.ID, err)
		}
		d.byID[s.ID] = len(d.stores)
		d.stores = append(d.stores, s)
	}
	return d, nil
}

func (d *Directory) Len() int {
	return len(d.stores)
}

func (d *Directory) All() []model.Store {
	out := make([]model.Store, len(d.stores))
	copy(out, d.stores)
	return out
}

func (d *Directory) ByID(id string) (model.Store, error) {
	idx, ok := d.byID[id]
	if !ok {
		return model.Store{}, fmt.Errorf("store %q: %w", id, model.ErrNotFound)
	}
	return d.stores[idx], nil
}

// Nearby returns the stores within radiusKm of (lat, lng), nearest first.
func (d *Directory) Nearby(lat, lng, radiusKm float64) []Nearby {
	origin := model.Coordinates{Lat: lat, Lng: lng}
	out := make([]Nearby, 0)
	for _, s := range d.stores {
		dist := Haversine(origin, s.Coordinates)
		if dist <= radiusKm {
			out = append(out, Nearby{Store: s, DistanceKm: dist})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

// Haversine is the great-circle distance between a and b in kilometres.
func Haversine(a, b model.Coordinates) float64 {
	if a == b {
		return 0
	}
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
