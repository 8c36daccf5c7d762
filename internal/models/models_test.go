package models

import (
	"errors"
	"math"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderAccepted, true},
		{OrderPending, OrderDriverAssigned, true}, // direct dispatch
		{OrderAccepted, OrderDriverAssigned, true},
		{OrderDriverAssigned, OrderPickedUp, true},
		{OrderPickedUp, OrderOutForDelivery, true},
		{OrderOutForDelivery, OrderDelivered, true},
		{OrderDriverAssigned, OrderAccepted, true}, // declined assignment releases the order
		{OrderPending, OrderCancelled, true},
		{OrderOutForDelivery, OrderCancelled, true},
		// terminal states have no outgoing transitions
		{OrderDelivered, OrderCancelled, false},
		{OrderCancelled, OrderPending, false},
		{OrderDelivered, OrderDelivered, false},
		// skipping states
		{OrderPending, OrderDelivered, false},
		{OrderAccepted, OrderPickedUp, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSampleValidate(t *testing.T) {
	cases := []struct {
		name    string
		s       Sample
		wantErr bool
	}{
		{"ok", Sample{Latitude: 12.9, Longitude: 77.6}, false},
		{"edges", Sample{Latitude: -90, Longitude: 180}, false},
		{"lat too high", Sample{Latitude: 90.01, Longitude: 0}, true},
		{"lon too low", Sample{Latitude: 0, Longitude: -180.5}, true},
		{"nan", Sample{Latitude: math.NaN(), Longitude: 0}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidSample) {
				t.Fatalf("expected ErrInvalidSample, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSampleFrameRequiresCoordinates(t *testing.T) {
	lat, lon := 12.9, 77.6
	cases := []struct {
		name    string
		f       SampleFrame
		wantErr bool
	}{
		{"ok", SampleFrame{Latitude: &lat, Longitude: &lon, Speed: 3}, false},
		{"empty", SampleFrame{Speed: 3}, true},
		{"no longitude", SampleFrame{Latitude: &lat}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := tc.f.Sample()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidSample) {
					t.Fatalf("expected ErrInvalidSample, got %v", err)
				}
				return
			}
			if err != nil || s.Latitude != lat || s.Longitude != lon || s.Speed != 3 {
				t.Fatalf("sample = %+v, %v", s, err)
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	if !errors.Is(ErrInvalidSample, ErrValidation) {
		t.Fatal("invalid sample should be a validation error")
	}
	if !errors.Is(ErrOrderNotFound, ErrNotFound) || !errors.Is(ErrDriverNotFound, ErrNotFound) {
		t.Fatal("lookups should wrap ErrNotFound")
	}
}
