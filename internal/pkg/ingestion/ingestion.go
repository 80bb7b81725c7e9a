package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loraops/payload-tracker/internal/pkg/codec"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/logging"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/database"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/models"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

//Request carries one inbound payload submission. FCnt is a pointer so that a
//missing field can be told apart from an explicit zero: a frame counter of 0
//is valid, LoRaWAN devices reset their counter when they rejoin the network.
type Request struct {
	DevEUI string          `json:"devEUI"`
	FCnt   *uint32         `json:"fCnt"`
	Data   string          `json:"data"`
	RxInfo json.RawMessage `json:"rxInfo"`
	TxInfo json.RawMessage `json:"txInfo"`
}

//Result is returned on successful ingestion. DecodeFailed marks payloads
//whose body could not be base64 decoded and that were therefore recorded as
//failing observations.
type Result struct {
	Payload      *models.Payload
	DecodeFailed bool
}

//ValidationError reports one or more malformed or missing request fields
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid payload data: " + strings.Join(e.Details, "; ")
}

//DuplicateError reports that a payload with the same frame counter has
//already been ingested for the device
type DuplicateError struct {
	DevEUI string
	FCnt   uint32
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("payload with fCnt %d already exists for device %s", e.FCnt, e.DevEUI)
}

//StatusPropagationError reports a partial failure: the payload was persisted
//but the device's cached latest status could not be updated and is stale.
//The persisted payload is attached so that callers can reconcile.
type StatusPropagationError struct {
	Payload *models.Payload
	Err     error
}

func (e *StatusPropagationError) Error() string {
	return fmt.Sprintf("payload %d stored but device status update failed: %s", e.Payload.ID, e.Err.Error())
}

func (e *StatusPropagationError) Unwrap() error {
	return e.Err
}

//Pipeline orchestrates the ingestion of a single inbound payload:
//validate, deduplicate, decode, classify, persist and propagate the
//device's latest status
type Pipeline struct {
	db  database.Datastore
	log logging.Logger
}

//New creates a Pipeline on top of the provided datastore
func New(db database.Datastore, log logging.Logger) *Pipeline {
	return &Pipeline{db: db, log: log}
}

//Ingest runs the pipeline for one payload. Exactly one attempt is made, no
//retries. A decode failure does not fail the call: the payload is recorded
//as failing with an empty hex representation. All other failures are
//reported as one of the typed errors above, or wrapped as a storage fault.
func (p *Pipeline) Ingest(req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	fCnt := *req.FCnt

	// fast path rejection of known duplicates; the unique index checked at
	// insert time is the authoritative guard
	device, err := p.db.GetDeviceFromDevEUI(req.DevEUI)
	if err == nil {
		exists, err := p.db.PayloadExists(device.ID, fCnt)
		if err != nil {
			return nil, errors.Wrap(err, "duplicate pre-check failed")
		}
		if exists {
			return nil, &DuplicateError{DevEUI: req.DevEUI, FCnt: fCnt}
		}
	} else if !errors.Is(err, database.ErrDeviceNotFound) {
		return nil, errors.Wrap(err, "device lookup failed")
	}

	decoded := codec.Decode(req.Data)
	isPassing := codec.Classify(decoded.Bytes)

	if !decoded.DecodeOK {
		p.log.Warnf("failed to decode payload data from device %s, recording it as failing", req.DevEUI)
	}

	device, err = p.db.GetOrCreateDevice(req.DevEUI)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve device")
	}

	payload := &models.Payload{
		DeviceID:  device.ID,
		FCnt:      fCnt,
		Data:      req.Data,
		DataHex:   decoded.Hex,
		IsPassing: isPassing,
		RxInfo:    datatypes.JSON(rawOrDefault(req.RxInfo, "[]")),
		TxInfo:    datatypes.JSON(rawOrDefault(req.TxInfo, "{}")),
	}

	if err := p.db.CreatePayload(payload); err != nil {
		if errors.Is(err, database.ErrDuplicateFrameCounter) {
			// lost the insert race against a concurrent ingestion
			return nil, &DuplicateError{DevEUI: req.DevEUI, FCnt: fCnt}
		}
		return nil, errors.Wrap(err, "failed to store payload")
	}

	if err := p.db.UpdateDeviceStatus(device, isPassing); err != nil {
		p.log.Errorf("payload %d stored but status propagation failed for device %s: %s", payload.ID, req.DevEUI, err.Error())
		return nil, &StatusPropagationError{Payload: payload, Err: err}
	}

	return &Result{Payload: payload, DecodeFailed: !decoded.DecodeOK}, nil
}

func validate(req Request) error {
	details := []string{}

	if req.DevEUI == "" {
		details = append(details, "devEUI is required")
	} else if len(req.DevEUI) > 16 {
		details = append(details, "devEUI must not exceed 16 characters")
	}

	if req.FCnt == nil {
		details = append(details, "fCnt is required")
	}

	if len(details) > 0 {
		return &ValidationError{Details: details}
	}

	return nil
}

func rawOrDefault(raw json.RawMessage, fallback string) []byte {
	if len(raw) == 0 {
		return []byte(fallback)
	}
	return raw
}
