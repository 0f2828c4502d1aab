package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/garehq/gare/model"
)

type CreateBooking struct {
	DestinationID string   `json:"destination_id"`
	Seats         int      `json:"seats"`
	SeatCodes     []string `json:"seat_codes"`
	Passenger     string   `json:"passenger"`
	Priority      int      `json:"priority"`
}

func (b *CreateBooking) ToOperation() (model.ResourceOperationPayload, error) {
	data, err := json.Marshal(model.BookingPayload{
		DestinationID: b.DestinationID,
		Seats:         b.Seats,
		SeatCodes:     b.SeatCodes,
		Passenger:     b.Passenger,
	})
	if err != nil {
		return model.ResourceOperationPayload{}, err
	}
	return model.ResourceOperationPayload{
		Kind:       model.OpBooking,
		ResourceID: b.DestinationID,
		Priority:   b.Priority,
		Data:       data,
	}, nil
}

type RecordPayment struct {
	BookingID string          `json:"booking_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Priority  int             `json:"priority"`
}

func (p *RecordPayment) ToOperation() (model.ResourceOperationPayload, error) {
	data, err := json.Marshal(model.PaymentPayload{
		BookingID: p.BookingID,
		Amount:    p.Amount,
		Method:    model.PaymentMethod(p.Method),
	})
	if err != nil {
		return model.ResourceOperationPayload{}, err
	}
	return model.ResourceOperationPayload{
		Kind:       model.OpPayment,
		ResourceID: p.BookingID,
		Priority:   p.Priority,
		Data:       data,
	}, nil
}
