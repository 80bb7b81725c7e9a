package application

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/models"
)

type errorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

type deviceResponse struct {
	ID           uint      `json:"id"`
	DevEUI       string    `json:"devEUI"`
	LatestStatus bool      `json:"latest_status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newDeviceResponse(device *models.Device) deviceResponse {
	return deviceResponse{
		ID:           device.ID,
		DevEUI:       device.DevEUI,
		LatestStatus: device.LatestStatus,
		CreatedAt:    device.CreatedAt,
		UpdatedAt:    device.UpdatedAt,
	}
}

//payloadResponse is the wire representation of a stored payload. DataHex and
//IsPassing are always server computed, never taken from the caller.
type payloadResponse struct {
	ID        uint            `json:"id"`
	Device    uint            `json:"device"`
	FCnt      uint32          `json:"fCnt"`
	Data      string          `json:"data"`
	DataHex   string          `json:"data_hex"`
	IsPassing bool            `json:"is_passing"`
	RxInfo    json.RawMessage `json:"rx_info"`
	TxInfo    json.RawMessage `json:"tx_info"`
	CreatedAt time.Time       `json:"created_at"`
}

func newPayloadResponse(payload *models.Payload) payloadResponse {
	return payloadResponse{
		ID:        payload.ID,
		Device:    payload.DeviceID,
		FCnt:      payload.FCnt,
		Data:      payload.Data,
		DataHex:   payload.DataHex,
		IsPassing: payload.IsPassing,
		RxInfo:    rawOrDefault(payload.RxInfo, "[]"),
		TxInfo:    rawOrDefault(payload.TxInfo, "{}"),
		CreatedAt: payload.CreatedAt,
	}
}

func rawOrDefault(raw []byte, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(raw)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
