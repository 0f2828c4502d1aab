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
package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func seatCodesMatchSeats(b *CreateBooking) validation.RuleFunc {
	return func(value interface{}) error {
		if len(b.SeatCodes) > 0 && len(b.SeatCodes) != b.Seats {
			return fmt.Errorf("seat_codes must name exactly %d seats", b.Seats)
		}
		return nil
	}
}

func nonNegativeDecimal(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid amount type")
	}
	if amount.IsNegative() {
		return errors.New("amount cannot be negative")
	}
	return nil
}

func (d *CreateDestination) ValidateCreateDestination() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.RouteCode, validation.Required),
		validation.Field(&d.Fare, validation.Required, validation.By(nonNegativeDecimal)),
		validation.Field(&d.Currency, validation.Required, validation.Length(3, 3)),
	)
}

func (d *UpdateDestination) ValidateUpdateDestination() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.RouteCode, validation.Required),
		validation.Field(&d.Fare, validation.Required, validation.By(nonNegativeDecimal)),
		validation.Field(&d.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&d.Version, validation.Required, validation.Min(1)),
	)
}

func (v *RegisterVehicle) ValidateRegisterVehicle() error {
	return validation.ValidateStruct(v,
		validation.Field(&v.DestinationID, validation.Required),
		validation.Field(&v.PlateNumber, validation.Required),
		validation.Field(&v.Capacity, validation.Required, validation.Min(1), validation.Max(80)),
		validation.Field(&v.QueuePosition, validation.Min(0)),
	)
}

func (s *UpdateVehicleStatus) ValidateUpdateVehicleStatus() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Status, validation.Required, validation.In("loading", "full", "departed", "maintenance", "inactive")),
		validation.Field(&s.Priority, validation.Min(0), validation.Max(9)),
	)
}

func (b *CreateBooking) ValidateCreateBooking() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.DestinationID, validation.Required),
		validation.Field(&b.Seats, validation.Required, validation.Min(1), validation.Max(30)),
		validation.Field(&b.Priority, validation.Min(0), validation.Max(9)),
		validation.Field(&b.SeatCodes, validation.By(seatCodesMatchSeats(b))),
	)
}

func (p *RecordPayment) ValidateRecordPayment() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.BookingID, validation.Required),
		validation.Field(&p.Amount, validation.Required, validation.By(nonNegativeDecimal)),
		validation.Field(&p.Method, validation.Required, validation.In("cash", "mobile_money", "card")),
		validation.Field(&p.Priority, validation.Min(0), validation.Max(9)),
	)
}
