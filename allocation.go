/*
Copyright 2025 Gare Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gare

import "github.com/garehq/gare/model"

// AllocateSeats spreads a seat request across the vehicles of a loading
// queue. Vehicles must arrive sorted ascending by queue position; seats are
// taken greedily from the front of the queue, min(remaining, available) per
// vehicle, until the request is satisfied.
//
// The plan is all-or-nothing: if the cumulative available seats across every
// boardable vehicle fall short of the request, AllocateSeats returns nil and
// the caller must abort before touching the store. A partial booking is never
// produced.
//
// Parameters:
// - vehicles []*model.Vehicle: Candidate vehicles sorted by queue position.
// - seats int: The number of seats requested.
//
// Returns:
// - []model.SeatSegment: Ordered segments covering exactly the request, or nil.
func AllocateSeats(vehicles []*model.Vehicle, seats int) []model.SeatSegment {
	if seats <= 0 {
		return nil
	}

	remaining := seats
	segments := make([]model.SeatSegment, 0, len(vehicles))
	for _, vehicle := range vehicles {
		if remaining == 0 {
			break
		}
		if vehicle == nil || !vehicle.Status.Boardable() || vehicle.AvailableSeats <= 0 {
			continue
		}
		take := vehicle.AvailableSeats
		if take > remaining {
			take = remaining
		}
		segments = append(segments, model.SeatSegment{VehicleID: vehicle.VehicleID, Seats: take})
		remaining -= take
	}

	if remaining > 0 {
		return nil
	}
	return segments
}

// AllocationCapacity sums the bookable seats across the candidate vehicles.
// Used for capacity reporting; AllocateSeats performs its own accounting.
func AllocationCapacity(vehicles []*model.Vehicle) int {
	total := 0
	for _, vehicle := range vehicles {
		if vehicle == nil || !vehicle.Status.Boardable() {
			continue
		}
		if vehicle.AvailableSeats > 0 {
			total += vehicle.AvailableSeats
		}
	}
	return total
}
