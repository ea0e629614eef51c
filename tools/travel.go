// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"strings"

	"agentflow/platform/llm"
	"agentflow/platform/sdk"
	"agentflow/platform/shared/faults"
)

// FlightSearch answers flight queries from a canned route table
type FlightSearch struct{}

// NewFlightSearch creates the flight-search tool
func NewFlightSearch() *FlightSearch {
	return &FlightSearch{}
}

// Name returns "flight-search"
func (f *FlightSearch) Name() string {
	return "flight-search"
}

// Description returns the tool summary shown to the model
func (f *FlightSearch) Description() string {
	return "Finds flights between two cities with airline, departure time and price."
}

// Schema returns the parameter schema
func (f *FlightSearch) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        f.Name(),
		Description: f.Description(),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"origin":      map[string]interface{}{"type": "string"},
				"destination": map[string]interface{}{"type": "string"},
				"date":        map[string]interface{}{"type": "string", "description": "Departure date YYYY-MM-DD"},
			},
			"required": []string{"origin", "destination"},
		},
	}
}

type flightOption struct {
	Airline   string  `json:"airline"`
	Departure string  `json:"departure"`
	Arrival   string  `json:"arrival"`
	PriceUSD  float64 `json:"price_usd"`
	Stops     int     `json:"stops"`
}

var flightTable = map[string][]flightOption{
	"london-lisbon": {
		{Airline: "TAP Air Portugal", Departure: "07:45", Arrival: "10:20", PriceUSD: 128, Stops: 0},
		{Airline: "British Airways", Departure: "12:10", Arrival: "14:50", PriceUSD: 156, Stops: 0},
		{Airline: "Iberia", Departure: "09:30", Arrival: "15:05", PriceUSD: 102, Stops: 1},
	},
	"london-tokyo": {
		{Airline: "Japan Airlines", Departure: "09:25", Arrival: "06:55", PriceUSD: 842, Stops: 0},
		{Airline: "Finnair", Departure: "08:15", Arrival: "09:40", PriceUSD: 698, Stops: 1},
	},
	"newyork-lisbon": {
		{Airline: "TAP Air Portugal", Departure: "22:30", Arrival: "10:15", PriceUSD: 412, Stops: 0},
		{Airline: "United", Departure: "18:05", Arrival: "07:40", PriceUSD: 389, Stops: 0},
	},
}

// Call looks up flights for the origin/destination pair
func (f *FlightSearch) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	origin, err := stringParam(params, "origin")
	if err != nil {
		return nil, &sdk.NonRetryableError{Err: faults.NewValidationError("origin", err.Error())}
	}
	destination, err := stringParam(params, "destination")
	if err != nil {
		return nil, &sdk.NonRetryableError{Err: faults.NewValidationError("destination", err.Error())}
	}

	key := normalizeCity(origin) + "-" + normalizeCity(destination)
	flights, ok := flightTable[key]
	if !ok {
		return map[string]interface{}{
			"origin":      origin,
			"destination": destination,
			"flights":     []flightOption{},
			"note":        "no flights found for this route",
		}, nil
	}

	return map[string]interface{}{
		"origin":      origin,
		"destination": destination,
		"date":        optionalStringParam(params, "date", ""),
		"flights":     flights,
	}, nil
}

// HotelSearch answers hotel queries from a canned city table
type HotelSearch struct{}

// NewHotelSearch creates the hotel-search tool
func NewHotelSearch() *HotelSearch {
	return &HotelSearch{}
}

// Name returns "hotel-search"
func (h *HotelSearch) Name() string {
	return "hotel-search"
}

// Description returns the tool summary shown to the model
func (h *HotelSearch) Description() string {
	return "Finds hotels in a city with nightly price and rating."
}

// Schema returns the parameter schema
func (h *HotelSearch) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        h.Name(),
		Description: h.Description(),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"destination": map[string]interface{}{"type": "string"},
				"check_in":    map[string]interface{}{"type": "string", "description": "Check-in date YYYY-MM-DD"},
				"nights":      map[string]interface{}{"type": "number"},
			},
			"required": []string{"destination"},
		},
	}
}

type hotelOption struct {
	Name          string  `json:"name"`
	NightlyUSD    float64 `json:"nightly_usd"`
	Rating        float64 `json:"rating"`
	Neighbourhood string  `json:"neighbourhood"`
}

var hotelTable = map[string][]hotelOption{
	"lisbon": {
		{Name: "Alfama Terrace", NightlyUSD: 145, Rating: 4.6, Neighbourhood: "Alfama"},
		{Name: "Baixa Central Hotel", NightlyUSD: 118, Rating: 4.3, Neighbourhood: "Baixa"},
		{Name: "Tejo River Inn", NightlyUSD: 89, Rating: 4.0, Neighbourhood: "Cais do Sodre"},
	},
	"tokyo": {
		{Name: "Shinjuku Garden Hotel", NightlyUSD: 210, Rating: 4.5, Neighbourhood: "Shinjuku"},
		{Name: "Asakusa Riverside", NightlyUSD: 132, Rating: 4.2, Neighbourhood: "Asakusa"},
	},
}

// Call looks up hotels for the destination
func (h *HotelSearch) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	destination, err := stringParam(params, "destination")
	if err != nil {
		return nil, &sdk.NonRetryableError{Err: faults.NewValidationError("destination", err.Error())}
	}

	hotels, ok := hotelTable[normalizeCity(destination)]
	if !ok {
		return map[string]interface{}{
			"destination": destination,
			"hotels":      []hotelOption{},
			"note":        "no hotels found for this destination",
		}, nil
	}

	nights := int(numberParam(params, "nights", 1))
	if nights < 1 {
		nights = 1
	}

	return map[string]interface{}{
		"destination": destination,
		"check_in":    optionalStringParam(params, "check_in", ""),
		"nights":      nights,
		"hotels":      hotels,
	}, nil
}

// normalizeCity lowercases and strips spaces so "New York" matches "newyork"
func normalizeCity(city string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(city)), " ", "")
}
