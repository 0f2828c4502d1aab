package model

import (
	"encoding/json"

	"github.com/garehq/gare/model"
)

type RegisterVehicle struct {
	DestinationID string                 `json:"destination_id"`
	PlateNumber   string                 `json:"plate_number"`
	DriverName    string                 `json:"driver_name"`
	Capacity      int                    `json:"capacity"`
	QueuePosition int                    `json:"queue_position"`
	MetaData      map[string]interface{} `json:"meta_data"`
}

func (v *RegisterVehicle) ToVehicle() model.Vehicle {
	return model.Vehicle{
		DestinationID:  v.DestinationID,
		PlateNumber:    v.PlateNumber,
		DriverName:     v.DriverName,
		Capacity:       v.Capacity,
		AvailableSeats: v.Capacity,
		QueuePosition:  v.QueuePosition,
		Status:         model.VehicleLoading,
		MetaData:       v.MetaData,
	}
}

type UpdateVehicleStatus struct {
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
}

// ToOperation shapes the status change as a coordinated operation so it
// serializes against bookings touching the same vehicle.
func (s *UpdateVehicleStatus) ToOperation(vehicleID string) (model.ResourceOperationPayload, error) {
	data, err := json.Marshal(model.VehicleStatusPayload{
		Status: model.VehicleStatus(s.Status),
		Reason: s.Reason,
	})
	if err != nil {
		return model.ResourceOperationPayload{}, err
	}
	return model.ResourceOperationPayload{
		Kind:       model.OpVehicleStatus,
		ResourceID: vehicleID,
		Priority:   s.Priority,
		Data:       data,
	}, nil
}
