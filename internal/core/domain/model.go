package domain

import "time"

// ModelDetails mirrors the metadata a backend reports for an installed
// model. Every field is optional since not every backend variant fills
// every one of them in.
type ModelDetails struct {
	ModifiedAt        *time.Time
	Family            *string
	ParameterSize     *string
	QuantizationLevel *string
}

type ModelInfo struct {
	Name       string
	Digest     string
	Details    *ModelDetails
	Size       int64
	ModifiedAt time.Time
}
