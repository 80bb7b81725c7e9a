package application

import (
	"compress/flate"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/loraops/payload-tracker/internal/pkg/auth"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/logging"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/database"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/models"
	"github.com/loraops/payload-tracker/internal/pkg/ingestion"

	"github.com/google/uuid"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/pkg/errors"
	"github.com/rs/cors"
)

type RequestRouter struct {
	impl *chi.Mux
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

func newRequestRouter() *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	// Enable gzip compression for json responses
	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)

	return router
}

func createRequestRouter(api *api) *RequestRouter {
	router := newRequestRouter()

	router.Post("/api/token", api.issueToken)

	router.impl.Group(func(r chi.Router) {
		r.Use(api.tokens.Middleware)

		r.Post("/api/receive", api.receivePayload)
		r.Get("/api/devices", api.listDevices)
		r.Get("/api/devices/{devEUI}", api.getDevice)
		r.Get("/api/devices/{devEUI}/payloads", api.listDevicePayloads)
		r.Get("/api/payloads", api.listPayloads)
		r.Get("/api/payloads/{id}", api.getPayload)
	})

	return router
}

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

type api struct {
	log       logging.Logger
	messenger MessagingContext
	db        database.Datastore
	pipeline  *ingestion.Pipeline
	tokens    *auth.Tokens

	apiUser     string
	apiPassword string
}

func newAPI(log logging.Logger, messenger MessagingContext, db database.Datastore) *api {
	secret := os.Getenv("PAYLOAD_JWT_SECRET")
	if secret == "" {
		log.Warnf("PAYLOAD_JWT_SECRET is not set, tokens will not survive a restart")
		secret = uuid.NewString()
	}

	return &api{
		log:         log,
		messenger:   messenger,
		db:          db,
		pipeline:    ingestion.New(db, log),
		tokens:      auth.New(secret, 24*time.Hour),
		apiUser:     os.Getenv("PAYLOAD_API_USER"),
		apiPassword: os.Getenv("PAYLOAD_API_PASSWORD"),
	}
}

//CreateRouterAndStartServing sets up the request router and starts serving incoming requests
func CreateRouterAndStartServing(log logging.Logger, messenger MessagingContext, db database.Datastore) {
	router := createRequestRouter(newAPI(log, messenger, db))

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8880"
	}

	log.Infof("Starting payload-tracker on port %s.", port)
	log.Fatal(http.ListenAndServe(":"+port, router.impl))
}

func (a *api) receivePayload(w http.ResponseWriter, r *http.Request) {
	req := ingestion.Request{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload data", Details: err.Error()})
		return
	}

	result, err := a.pipeline.Ingest(req)
	if err != nil {
		a.respondToFailedIngest(w, req, err)
		return
	}

	a.publishStatusUpdate(req.DevEUI, result.Payload)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Payload received and processed successfully",
		"payload": newPayloadResponse(result.Payload),
	})
}

func (a *api) respondToFailedIngest(w http.ResponseWriter, req ingestion.Request, err error) {
	validationErr := &ingestion.ValidationError{}
	duplicateErr := &ingestion.DuplicateError{}
	propagationErr := &ingestion.StatusPropagationError{}

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload data", Details: validationErr.Details})
	case errors.As(err, &duplicateErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload data", Details: duplicateErr.Error()})
	case errors.As(err, &propagationErr):
		a.log.Errorf("status propagation failed for device %s: %s", req.DevEUI, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "Payload stored but device status update failed",
			Details: fmt.Sprintf("payload %d is persisted for device %s, the cached device status is stale", propagationErr.Payload.ID, req.DevEUI),
		})
	default:
		a.log.Errorf("failed to process payload from device %s: %s", req.DevEUI, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to process payload", Details: err.Error()})
	}
}

func (a *api) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.db.GetDevices()
	if err != nil {
		a.log.Errorf("failed to list devices: %s", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to list devices", Details: err.Error()})
		return
	}

	response := []deviceResponse{}
	for i := range devices {
		response = append(response, newDeviceResponse(&devices[i]))
	}

	writeJSON(w, http.StatusOK, response)
}

func (a *api) getDevice(w http.ResponseWriter, r *http.Request) {
	devEUI := chi.URLParam(r, "devEUI")

	device, err := a.db.GetDeviceFromDevEUI(devEUI)
	if err != nil {
		if errors.Is(err, database.ErrDeviceNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("Device with devEUI %s not found", devEUI)})
			return
		}

		a.log.Errorf("failed to get device %s: %s", devEUI, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to get device", Details: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, newDeviceResponse(device))
}

func (a *api) listDevicePayloads(w http.ResponseWriter, r *http.Request) {
	devEUI := chi.URLParam(r, "devEUI")

	device, err := a.db.GetDeviceFromDevEUI(devEUI)
	if err != nil {
		if errors.Is(err, database.ErrDeviceNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("Device with devEUI %s not found", devEUI)})
			return
		}

		a.log.Errorf("failed to get device %s: %s", devEUI, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to get device", Details: err.Error()})
		return
	}

	payloads, err := a.db.GetPayloadsForDevice(device)
	if err != nil {
		a.log.Errorf("failed to list payloads for device %s: %s", devEUI, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to list payloads", Details: err.Error()})
		return
	}

	response := []payloadResponse{}
	for i := range payloads {
		response = append(response, newPayloadResponse(&payloads[i]))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":         newDeviceResponse(device),
		"payloads":       response,
		"total_payloads": len(response),
	})
}

func (a *api) listPayloads(w http.ResponseWriter, r *http.Request) {
	devEUI := r.URL.Query().Get("devEUI")

	payloads, err := a.db.GetPayloads(devEUI)
	if err != nil {
		a.log.Errorf("failed to list payloads: %s", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to list payloads", Details: err.Error()})
		return
	}

	response := []payloadResponse{}
	for i := range payloads {
		response = append(response, newPayloadResponse(&payloads[i]))
	}

	writeJSON(w, http.StatusOK, response)
}

func (a *api) getPayload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Payload not found"})
		return
	}

	payload, err := a.db.GetPayloadFromID(uint(id))
	if err != nil {
		if errors.Is(err, database.ErrPayloadNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Payload not found"})
			return
		}

		a.log.Errorf("failed to get payload %d: %s", id, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to get payload", Details: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, newPayloadResponse(payload))
}

func (a *api) issueToken(w http.ResponseWriter, r *http.Request) {
	credentials := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{}

	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid credentials payload", Details: err.Error()})
		return
	}

	if a.apiUser == "" || credentials.Username != a.apiUser || credentials.Password != a.apiPassword {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid credentials"})
		return
	}

	token, err := a.tokens.IssueToken(credentials.Username)
	if err != nil {
		a.log.Errorf("failed to issue token: %s", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to issue token"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

//deviceStatusUpdated is published on the message queue whenever a successful
//ingestion has propagated a new latest status to a device
type deviceStatusUpdated struct {
	DevEUI    string `json:"devEUI"`
	FCnt      uint32 `json:"fCnt"`
	Passing   bool   `json:"passing"`
	Timestamp string `json:"timestamp"`
}

func (m *deviceStatusUpdated) ContentType() string {
	return "application/json"
}

func (m *deviceStatusUpdated) TopicName() string {
	return "device.statusUpdated"
}

func (a *api) publishStatusUpdate(devEUI string, payload *models.Payload) {
	if a.messenger == nil {
		return
	}

	err := a.messenger.PublishOnTopic(&deviceStatusUpdated{
		DevEUI:    devEUI,
		FCnt:      payload.FCnt,
		Passing:   payload.IsPassing,
		Timestamp: payload.CreatedAt.UTC().Format(time.RFC3339),
	})

	// the payload is already persisted, a lost event must not fail the request
	if err != nil {
		a.log.Errorf("failed to publish status update for device %s: %s", devEUI, err.Error())
	}
}
