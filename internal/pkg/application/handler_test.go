package application

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/loraops/payload-tracker/internal/pkg/auth"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/logging"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/database"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/models"
	"github.com/loraops/payload-tracker/internal/pkg/ingestion"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/pkg/errors"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func TestReceivePayloadStoresAndPublishes(t *testing.T) {
	db := &dbMock{}
	m := &msgMock{}
	a := newAPIForTest(db, m)

	body := []byte(`{"fCnt":100,"devEUI":"abcdabcdabcdabcd","data":"AQ==","rxInfo":[{"rssi":-57}],"txInfo":{"frequency":86810000}}`)
	w := performAuthedRequest(t, a, "POST", "/api/receive", body)

	if w.Code != http.StatusCreated {
		t.Error("Receive did not return a Created status:", w.Code, w.Body.String())
	}

	if db.createCount != 1 {
		t.Error("CreateCount should be 1, but was ", db.createCount, "!")
	}

	if m.PublishCount != 1 {
		t.Error("Wrong publish count: ", m.PublishCount, "!=", 1)
	}

	if db.lastStatus != true {
		t.Error("the device status should have been updated to passing")
	}

	response := struct {
		Payload payloadResponse `json:"payload"`
	}{}
	json.Unmarshal(w.Body.Bytes(), &response)

	if response.Payload.DataHex != "01" || !response.Payload.IsPassing {
		t.Errorf("response payload carries wrong classification: hex %q, passing %t", response.Payload.DataHex, response.Payload.IsPassing)
	}
}

func TestReceivePayloadRejectsMissingFCnt(t *testing.T) {
	db := &dbMock{}
	a := newAPIForTest(db, &msgMock{})

	body := []byte(`{"devEUI":"abcdabcdabcdabcd","data":"AQ=="}`)
	w := performAuthedRequest(t, a, "POST", "/api/receive", body)

	if w.Code != http.StatusBadRequest {
		t.Error("Receive did not return a BadRequest status:", w.Code)
	}

	if db.createCount != 0 {
		t.Error("a rejected payload must not be stored")
	}
}

func TestReceivePayloadRejectsDuplicateFrameCounter(t *testing.T) {
	db := &dbMock{
		device:        &models.Device{DevEUI: "abcdabcdabcdabcd"},
		payloadExists: true,
	}
	m := &msgMock{}
	a := newAPIForTest(db, m)

	body := []byte(`{"fCnt":100,"devEUI":"abcdabcdabcdabcd","data":"AQ=="}`)
	w := performAuthedRequest(t, a, "POST", "/api/receive", body)

	if w.Code != http.StatusBadRequest {
		t.Error("Receive did not return a BadRequest status:", w.Code)
	}

	if !strings.Contains(w.Body.String(), "100") || !strings.Contains(w.Body.String(), "abcdabcdabcdabcd") {
		t.Error("the duplicate error should name the frame counter and the devEUI:", w.Body.String())
	}

	if m.PublishCount != 0 {
		t.Error("a rejected duplicate must not publish a status update")
	}
}

func TestReceivePayloadReportsStalePropagation(t *testing.T) {
	db := &dbMock{
		updateStatusError: errors.New("connection reset"),
	}
	a := newAPIForTest(db, &msgMock{})

	body := []byte(`{"fCnt":100,"devEUI":"abcdabcdabcdabcd","data":"AQ=="}`)
	w := performAuthedRequest(t, a, "POST", "/api/receive", body)

	if w.Code != http.StatusInternalServerError {
		t.Error("a stale status propagation should surface as an internal error:", w.Code)
	}

	if !strings.Contains(w.Body.String(), "stored but") {
		t.Error("the partial failure should be named distinctly:", w.Body.String())
	}

	if db.createCount != 1 {
		t.Error("the payload should have been persisted before the propagation failure")
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	a := newAPIForTest(&dbMock{}, &msgMock{})
	router := createRequestRouter(a)

	req, _ := http.NewRequest("GET", "/api/devices", nil)
	w := httptest.NewRecorder()
	router.impl.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Error("an unauthenticated request should be rejected:", w.Code)
	}
}

func TestListDevices(t *testing.T) {
	db := &dbMock{
		devices: []models.Device{
			{DevEUI: "abcdabcdabcdabcd", LatestStatus: true},
		},
	}
	a := newAPIForTest(db, &msgMock{})

	w := performAuthedRequest(t, a, "GET", "/api/devices", nil)

	if w.Code != http.StatusOK {
		t.Error("ListDevices failed:", w.Code)
	}

	devices := []deviceResponse{}
	json.Unmarshal(w.Body.Bytes(), &devices)

	if len(devices) != 1 || devices[0].DevEUI != "abcdabcdabcdabcd" || !devices[0].LatestStatus {
		t.Error("ListDevices returned the wrong devices:", w.Body.String())
	}
}

func TestGetUnknownDeviceReturnsNotFound(t *testing.T) {
	a := newAPIForTest(&dbMock{}, &msgMock{})

	w := performAuthedRequest(t, a, "GET", "/api/devices/ffffffffffffffff", nil)

	if w.Code != http.StatusNotFound {
		t.Error("an unknown device should yield NotFound:", w.Code)
	}
}

func TestListPayloadsWithUnknownFilterReturnsEmptyList(t *testing.T) {
	a := newAPIForTest(&dbMock{}, &msgMock{})

	w := performAuthedRequest(t, a, "GET", "/api/payloads?devEUI=ffffffffffffffff", nil)

	if w.Code != http.StatusOK {
		t.Error("an unknown filter should not be an error:", w.Code)
	}

	payloads := []payloadResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &payloads); err != nil || len(payloads) != 0 {
		t.Error("expected an empty list, got:", w.Body.String())
	}
}

func TestGetUnknownPayloadReturnsNotFound(t *testing.T) {
	a := newAPIForTest(&dbMock{}, &msgMock{})

	w := performAuthedRequest(t, a, "GET", "/api/payloads/1234567", nil)

	if w.Code != http.StatusNotFound {
		t.Error("an unknown payload should yield NotFound:", w.Code)
	}
}

func TestListDevicePayloadsIncludesCount(t *testing.T) {
	db := &dbMock{
		device: &models.Device{DevEUI: "abcdabcdabcdabcd"},
		payloads: []models.Payload{
			{FCnt: 101, Data: "AA=="},
			{FCnt: 100, Data: "AQ=="},
		},
	}
	a := newAPIForTest(db, &msgMock{})

	w := performAuthedRequest(t, a, "GET", "/api/devices/abcdabcdabcdabcd/payloads", nil)

	if w.Code != http.StatusOK {
		t.Error("ListDevicePayloads failed:", w.Code)
	}

	response := struct {
		Device        deviceResponse    `json:"device"`
		Payloads      []payloadResponse `json:"payloads"`
		TotalPayloads int               `json:"total_payloads"`
	}{}
	json.Unmarshal(w.Body.Bytes(), &response)

	if response.TotalPayloads != 2 || len(response.Payloads) != 2 {
		t.Error("ListDevicePayloads returned the wrong payload count:", w.Body.String())
	}
}

func TestIssueTokenRejectsWrongCredentials(t *testing.T) {
	a := newAPIForTest(&dbMock{}, &msgMock{})
	router := createRequestRouter(a)

	body := []byte(`{"username":"admin","password":"wrong"}`)
	req, _ := http.NewRequest("POST", "/api/token", bytes.NewBuffer(body))
	w := httptest.NewRecorder()
	router.impl.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Error("wrong credentials should be rejected:", w.Code)
	}
}

func TestIssueTokenReturnsUsableToken(t *testing.T) {
	a := newAPIForTest(&dbMock{}, &msgMock{})
	router := createRequestRouter(a)

	body := []byte(`{"username":"admin","password":"admin123"}`)
	req, _ := http.NewRequest("POST", "/api/token", bytes.NewBuffer(body))
	w := httptest.NewRecorder()
	router.impl.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Error("IssueToken failed:", w.Code, w.Body.String())
		return
	}

	response := map[string]string{}
	json.Unmarshal(w.Body.Bytes(), &response)

	if _, err := a.tokens.ValidateToken(response["token"]); err != nil {
		t.Error("the issued token should validate:", err.Error())
	}
}

func newAPIForTest(db database.Datastore, messenger MessagingContext) *api {
	log := logging.NewLogger()

	return &api{
		log:         log,
		messenger:   messenger,
		db:          db,
		pipeline:    ingestion.New(db, log),
		tokens:      auth.New("test-secret", time.Hour),
		apiUser:     "admin",
		apiPassword: "admin123",
	}
}

func performAuthedRequest(t *testing.T, a *api, method, url string, body []byte) *httptest.ResponseRecorder {
	router := createRequestRouter(a)

	token, err := a.tokens.IssueToken("admin")
	if err != nil {
		t.Fatal("failed to issue test token:", err.Error())
	}

	var reader *bytes.Buffer
	if body != nil {
		reader = bytes.NewBuffer(body)
	} else {
		reader = bytes.NewBuffer([]byte{})
	}

	req, _ := http.NewRequest(method, url, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.impl.ServeHTTP(w, req)

	return w
}

type msgMock struct {
	PublishCount uint32
}

func (m *msgMock) PublishOnTopic(message messaging.TopicMessage) error {
	m.PublishCount++
	return nil
}

type dbMock struct {
	createCount       uint32
	payloadExists     bool
	lastStatus        bool
	updateStatusError error

	device   *models.Device
	devices  []models.Device
	payload  *models.Payload
	payloads []models.Payload
}

func (db *dbMock) GetOrCreateDevice(devEUI string) (*models.Device, error) {
	if db.device != nil {
		return db.device, nil
	}

	db.device = &models.Device{DevEUI: devEUI}
	return db.device, nil
}

func (db *dbMock) UpdateDeviceStatus(device *models.Device, isPassing bool) error {
	if db.updateStatusError != nil {
		return db.updateStatusError
	}

	db.lastStatus = isPassing
	return nil
}

func (db *dbMock) GetDeviceFromDevEUI(devEUI string) (*models.Device, error) {
	if db.device != nil {
		return db.device, nil
	}

	return nil, database.ErrDeviceNotFound
}

func (db *dbMock) GetDevices() ([]models.Device, error) {
	return db.devices, nil
}

func (db *dbMock) CreatePayload(payload *models.Payload) error {
	db.createCount++
	payload.ID = uint(db.createCount)
	return nil
}

func (db *dbMock) PayloadExists(deviceID uint, fCnt uint32) (bool, error) {
	return db.payloadExists, nil
}

func (db *dbMock) GetPayloads(devEUI string) ([]models.Payload, error) {
	return db.payloads, nil
}

func (db *dbMock) GetPayloadFromID(id uint) (*models.Payload, error) {
	if db.payload != nil {
		return db.payload, nil
	}

	return nil, database.ErrPayloadNotFound
}

func (db *dbMock) GetPayloadsForDevice(device *models.Device) ([]models.Payload, error) {
	return db.payloads, nil
}
