package model

import (
	"github.com/shopspring/decimal"

	"github.com/garehq/gare/model"
)

type CreateDestination struct {
	Name      string                 `json:"name"`
	RouteCode string                 `json:"route_code"`
	Fare      decimal.Decimal        `json:"fare"`
	Currency  string                 `json:"currency"`
	MetaData  map[string]interface{} `json:"meta_data"`
}

func (d *CreateDestination) ToDestination() model.Destination {
	return model.Destination{
		Name:      d.Name,
		RouteCode: d.RouteCode,
		Fare:      d.Fare,
		Currency:  d.Currency,
		Active:    true,
		MetaData:  d.MetaData,
	}
}

// UpdateDestination carries the full replacement state for a destination.
// Version must be the version the client last read; the update only lands if
// it still matches.
type UpdateDestination struct {
	Name      string                 `json:"name"`
	RouteCode string                 `json:"route_code"`
	Fare      decimal.Decimal        `json:"fare"`
	Currency  string                 `json:"currency"`
	Active    bool                   `json:"active"`
	Version   int64                  `json:"version"`
	MetaData  map[string]interface{} `json:"meta_data"`
}

func (d *UpdateDestination) ToDestination(id string) model.Destination {
	return model.Destination{
		DestinationID: id,
		Name:          d.Name,
		RouteCode:     d.RouteCode,
		Fare:          d.Fare,
		Currency:      d.Currency,
		Active:        d.Active,
		Version:       d.Version,
		MetaData:      d.MetaData,
	}
}
