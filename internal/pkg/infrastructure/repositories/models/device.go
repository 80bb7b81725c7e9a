package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

//Device is the database model to store devices in our database. A device is
//created implicitly the first time a payload references its devEUI and is
//never deleted by the ingestion flow. LatestStatus mirrors the classification
//of the most recently ingested payload for the device.
type Device struct {
	gorm.Model
	DevEUI       string `gorm:"column:dev_eui;size:16;uniqueIndex"`
	LatestStatus bool
	Payloads     []Payload `gorm:"constraint:OnDelete:CASCADE"`
}

//Payload is the database model to store ingested payloads. Rows are immutable
//after creation. The composite unique index on (device, fCnt) is the
//authoritative duplicate guard, shared by all processes using the store.
type Payload struct {
	gorm.Model
	DeviceID  uint   `gorm:"uniqueIndex:idx_payloads_device_fcnt"`
	FCnt      uint32 `gorm:"column:f_cnt;uniqueIndex:idx_payloads_device_fcnt"`
	Data      string
	DataHex   string
	IsPassing bool
	RxInfo    datatypes.JSON
	TxInfo    datatypes.JSON
}
