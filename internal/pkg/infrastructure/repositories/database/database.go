package database

import (
	"fmt"
	"os"
	"time"

	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/logging"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/models"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//ErrDeviceNotFound is returned when no device matches the requested devEUI
var ErrDeviceNotFound = errors.New("device not found")

//ErrPayloadNotFound is returned when no payload matches the requested id
var ErrPayloadNotFound = errors.New("payload not found")

//ErrDuplicateFrameCounter is returned when a payload insert violates the
//unique (device, fCnt) constraint
var ErrDuplicateFrameCounter = errors.New("duplicate frame counter for device")

//Datastore is an interface that is used to inject the database into different handlers to improve testability
type Datastore interface {
	GetOrCreateDevice(devEUI string) (*models.Device, error)
	UpdateDeviceStatus(device *models.Device, isPassing bool) error
	GetDeviceFromDevEUI(devEUI string) (*models.Device, error)
	GetDevices() ([]models.Device, error)

	CreatePayload(payload *models.Payload) error
	PayloadExists(deviceID uint, fCnt uint32) (bool, error)
	GetPayloads(devEUI string) ([]models.Payload, error)
	GetPayloadFromID(id uint) (*models.Payload, error)
	GetPayloadsForDevice(device *models.Device) ([]models.Payload, error)
}

type myDB struct {
	impl *gorm.DB
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewPostgreSQLConnector opens a connection to a postgresql database
func NewPostgreSQLConnector(log logging.Logger) ConnectorFunc {
	dbHost := os.Getenv("PAYLOAD_DB_HOST")
	username := os.Getenv("PAYLOAD_DB_USER")
	dbName := os.Getenv("PAYLOAD_DB_NAME")
	password := os.Getenv("PAYLOAD_DB_PASSWORD")
	sslMode := getEnv("PAYLOAD_DB_SSLMODE", "require")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	return func() (*gorm.DB, error) {
		for {
			log.Infof("Connecting to database host %s ...", dbHost)
			db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{
				TranslateError: true,
			})
			if err != nil {
				log.Errorf("Failed to connect to database %s", err.Error())
				time.Sleep(3 * time.Second)
			} else {
				return db, nil
			}
		}
	}
}

//NewSQLiteConnector opens a connection to a local sqlite database
func NewSQLiteConnector() ConnectorFunc {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
		}

		return db, err
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	db := &myDB{
		impl: impl,
	}

	err = db.impl.AutoMigrate(&models.Device{}, &models.Payload{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to migrate database schema")
	}

	return db, nil
}

//GetOrCreateDevice returns the device registered for devEUI, creating it with
//a failing latest status on first sight. Concurrent creations for the same
//devEUI are resolved by the unique index: the loser of the insert race reads
//back the winner's row.
func (db *myDB) GetOrCreateDevice(devEUI string) (*models.Device, error) {
	device, err := db.GetDeviceFromDevEUI(devEUI)
	if err == nil {
		return device, nil
	}

	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	return db.createDevice(devEUI)
}

//createDevice inserts a new device row. A concurrent ingestion may have
//created the row after our lookup missed, the unique index turns that
//insert into ErrDuplicatedKey and we read back the winner's row.
func (db *myDB) createDevice(devEUI string) (*models.Device, error) {
	device := &models.Device{DevEUI: devEUI}
	result := db.impl.Create(device)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return db.GetDeviceFromDevEUI(devEUI)
		}
		return nil, errors.Wrap(result.Error, "failed to create device")
	}

	return device, nil
}

//UpdateDeviceStatus stores the classification of the most recently ingested
//payload on the device row and refreshes its updated timestamp. Concurrent
//ingestions for one device resolve last write wins, so the stored status is
//not guaranteed to reflect the highest frame counter. Callers that need
//strict ordering must serialize writes per device.
func (db *myDB) UpdateDeviceStatus(device *models.Device, isPassing bool) error {
	result := db.impl.Model(device).Update("latest_status", isPassing)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update device status")
	}

	return nil
}

//GetDeviceFromDevEUI returns the device registered for devEUI, or ErrDeviceNotFound
func (db *myDB) GetDeviceFromDevEUI(devEUI string) (*models.Device, error) {
	device := &models.Device{}
	result := db.impl.Where("dev_eui = ?", devEUI).First(device)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, errors.Wrap(result.Error, "failed to query device")
	}

	return device, nil
}

//GetDevices returns all known devices, most recently updated first
func (db *myDB) GetDevices() ([]models.Device, error) {
	devices := []models.Device{}
	result := db.impl.Order("updated_at desc").Find(&devices)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query devices")
	}

	return devices, nil
}

//CreatePayload stores a new payload. The unique (device, fCnt) index is the
//authoritative duplicate guard: a violation is reported as
//ErrDuplicateFrameCounter so that callers can distinguish a lost insert race
//from an infrastructure fault.
func (db *myDB) CreatePayload(payload *models.Payload) error {
	result := db.impl.Create(payload)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateFrameCounter
		}
		return errors.Wrap(result.Error, "failed to create payload")
	}

	return nil
}

//PayloadExists reports whether a payload with the given frame counter has
//already been stored for the device. This is an optimistic pre check only,
//the unique index enforces correctness.
func (db *myDB) PayloadExists(deviceID uint, fCnt uint32) (bool, error) {
	var count int64
	result := db.impl.Model(&models.Payload{}).Where("device_id = ? AND f_cnt = ?", deviceID, fCnt).Count(&count)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to query payloads")
	}

	return count > 0, nil
}

//GetPayloads returns stored payloads, most recently created first, optionally
//filtered by the owning device's devEUI. An unknown devEUI yields an empty
//result, not an error.
func (db *myDB) GetPayloads(devEUI string) ([]models.Payload, error) {
	payloads := []models.Payload{}

	query := db.impl.Order("payloads.created_at desc, payloads.id desc")
	if devEUI != "" {
		query = query.Joins("JOIN devices ON devices.id = payloads.device_id").Where("devices.dev_eui = ?", devEUI)
	}

	result := query.Find(&payloads)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query payloads")
	}

	return payloads, nil
}

//GetPayloadFromID returns the payload with the given id, or ErrPayloadNotFound
func (db *myDB) GetPayloadFromID(id uint) (*models.Payload, error) {
	payload := &models.Payload{}
	result := db.impl.First(payload, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPayloadNotFound
		}
		return nil, errors.Wrap(result.Error, "failed to query payload")
	}

	return payload, nil
}

//GetPayloadsForDevice returns the full payload history for a device, most recently created first
func (db *myDB) GetPayloadsForDevice(device *models.Device) ([]models.Payload, error) {
	payloads := []models.Payload{}
	result := db.impl.Where("device_id = ?", device.ID).Order("created_at desc, id desc").Find(&payloads)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query payloads")
	}

	return payloads, nil
}
