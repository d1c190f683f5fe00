package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

// RouteFile is the YAML document imported by `routectl import`.
type RouteFile struct {
	Routes []RouteSpec `yaml:"routes" validate:"required,min=1,unique=ID,dive"`
}

type RouteSpec struct {
	ID    string      `yaml:"id" validate:"required,max=128"`
	Name  string      `yaml:"name" validate:"required"`
	Path  []PointSpec `yaml:"path" validate:"required,min=2,dive"`
	Stops []StopSpec  `yaml:"stops" validate:"required,min=1,unique=Name,dive"`
}

type PointSpec struct {
	Lat float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `yaml:"lng" validate:"gte=-180,lte=180"`
}

type StopSpec struct {
	Name string  `yaml:"name" validate:"required"`
	Lat  float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng  float64 `yaml:"lng" validate:"gte=-180,lte=180"`
}

// ParseRouteFile decodes and validates a route file.
func ParseRouteFile(r io.Reader) (*RouteFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f RouteFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse route file: %w", err)
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid route file: %w", err)
	}
	return &f, nil
}

func (s RouteSpec) Route() *transit.Route {
	r := &transit.Route{ID: s.ID, Name: s.Name}
	r.Path = make([]geo.Point, len(s.Path))
	for i, p := range s.Path {
		r.Path[i] = geo.Point{Lat: p.Lat, Lon: p.Lng}
	}
	r.Stops = make([]transit.Stop, len(s.Stops))
	for i, st := range s.Stops {
		r.Stops[i] = transit.Stop{Name: st.Name, Location: geo.Point{Lat: st.Lat, Lon: st.Lng}}
	}
	return r
}
