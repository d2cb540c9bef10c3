package storage

import (
	"encoding/json"
	"errors"

	"wasp/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeManagerConfig(cfg model.ManagerConfig) ([]byte, error) {
	if cfg.SchemaVersion == 0 && cfg.CodecVersion == 0 {
		cfg.VersionedRecord = model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	}
	return json.Marshal(cfg)
}

func DecodeManagerConfig(data []byte) (model.ManagerConfig, error) {
	var cfg model.ManagerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return model.ManagerConfig{}, err
	}
	if err := checkVersion(cfg.VersionedRecord); err != nil {
		return model.ManagerConfig{}, err
	}
	return cfg, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
