package storage

import (
	"encoding/json"
	"errors"

	"gmmfit/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Stamp fills in the current schema and codec versions.
func Stamp(cp model.Checkpoint) model.Checkpoint {
	cp.SchemaVersion = CurrentSchemaVersion
	cp.CodecVersion = CurrentCodecVersion
	return cp
}

func EncodeCheckpoint(cp model.Checkpoint) ([]byte, error) {
	return json.Marshal(Stamp(cp))
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, err
	}
	if err := checkVersion(cp.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	return cp, nil
}

func checkVersion(rec model.VersionedRecord) error {
	if rec.SchemaVersion != CurrentSchemaVersion || rec.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
