package device

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

// Type identifies a device class.
type Type string

const (
	TypeCoolingLoop Type = "cooling-loop"
	TypeGPU         Type = "gpu"
	TypeCPU         Type = "cpu"
	TypeLighting    Type = "lighting"
)

// ParseType validates a device class received from configuration or the
// wire.
func ParseType(s string) (Type, error) {
	errFactory := errors.New()

	switch t := Type(s); t {
	case TypeCoolingLoop, TypeGPU, TypeCPU, TypeLighting:
		return t, nil
	default:
		return "", errFactory.WithMessage(ErrInvalidType, s)
	}
}

// Key uniquely identifies one device instance across all processes.
type Key struct {
	Type Type   `json:"device_type"`
	ID   string `json:"device_id"`
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}
