package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Default UUIDs for the reference deployment. Overridable per head-unit fleet.
var (
	// DefaultAssociationServiceUUID is the service advertised by cars in
	// association mode.
	DefaultAssociationServiceUUID = uuid.MustParse("5e2a68a1-27be-43f9-8d1e-4546976fabd7")

	// DefaultAssociationDataUUID is the scan-response data key carrying
	// the car's advertised name.
	DefaultAssociationDataUUID = uuid.MustParse("5e2a68a2-27be-43f9-8d1e-4546976fabd7")

	// DefaultReconnectionServiceUUID is the service advertised by cars in
	// v2+ reconnection mode.
	DefaultReconnectionServiceUUID = uuid.MustParse("5e2a68a3-27be-43f9-8d1e-4546976fabd7")

	// DefaultReconnectionDataUUID is the scan-response data key carrying
	// the reconnection advertisement payload.
	DefaultReconnectionDataUUID = uuid.MustParse("5e2a68a4-27be-43f9-8d1e-4546976fabd7")
)

// Fixed GATT characteristic layout inside the companion services. These are
// protocol constants, not overridable per deployment.
var (
	// WriteCharacteristicUUID carries phone-to-car packets.
	WriteCharacteristicUUID = uuid.MustParse("5e2a68a5-27be-43f9-8d1e-4546976fabd7")

	// ReadCharacteristicUUID carries car-to-phone packets (notify).
	ReadCharacteristicUUID = uuid.MustParse("5e2a68a6-27be-43f9-8d1e-4546976fabd7")

	// AdvertisementCharacteristicUUID serves the reconnection payload to
	// platforms that restore peripherals without advertisement data.
	AdvertisementCharacteristicUUID = uuid.MustParse("5e2a68a7-27be-43f9-8d1e-4546976fabd7")
)

// Overlay is the resolved configuration consumed by the connection manager.
type Overlay struct {
	// AssociationServiceUUID overrides the association scan service.
	AssociationServiceUUID uuid.UUID

	// AssociationDataUUID overrides the scan-response data key for the name.
	AssociationDataUUID uuid.UUID

	// ReconnectionServiceUUID overrides the v2+ reconnection service.
	ReconnectionServiceUUID uuid.UUID

	// ReconnectionDataUUID overrides the scan-response data key for the
	// reconnection payload.
	ReconnectionDataUUID uuid.UUID

	// BeaconUUID is the advertisement UUID for background wake. Zero when
	// unset.
	BeaconUUID uuid.UUID

	// DeviceNamePrefix is prepended to resolved names that are not the
	// 8-byte advertised form.
	DeviceNamePrefix string

	// MessageCompressionAllowed enables payload compression negotiation.
	MessageCompressionAllowed bool

	// UnlockHistoryEnabled enables trusted-device unlock history retention.
	UnlockHistoryEnabled bool
}

// Default returns the reference-deployment overlay.
func Default() Overlay {
	return Overlay{
		AssociationServiceUUID:    DefaultAssociationServiceUUID,
		AssociationDataUUID:       DefaultAssociationDataUUID,
		ReconnectionServiceUUID:   DefaultReconnectionServiceUUID,
		ReconnectionDataUUID:      DefaultReconnectionDataUUID,
		MessageCompressionAllowed: true,
		UnlockHistoryEnabled:      true,
	}
}

// fileOverlay is the YAML/env source form. Pointer fields distinguish
// "unset" from an explicit false.
type fileOverlay struct {
	AssociationServiceUUID    string `yaml:"association_service_uuid" envconfig:"ASSOCIATION_SERVICE_UUID"`
	AssociationDataUUID       string `yaml:"association_data_uuid" envconfig:"ASSOCIATION_DATA_UUID"`
	ReconnectionServiceUUID   string `yaml:"reconnection_service_uuid" envconfig:"RECONNECTION_SERVICE_UUID"`
	ReconnectionDataUUID      string `yaml:"reconnection_data_uuid" envconfig:"RECONNECTION_DATA_UUID"`
	BeaconUUID                string `yaml:"beacon_uuid" envconfig:"BEACON_UUID"`
	DeviceNamePrefix          string `yaml:"device_name_prefix" envconfig:"DEVICE_NAME_PREFIX"`
	MessageCompressionAllowed *bool  `yaml:"message_compression_allowed" envconfig:"MESSAGE_COMPRESSION_ALLOWED"`
	UnlockHistoryEnabled      *bool  `yaml:"unlock_history_enabled" envconfig:"UNLOCK_HISTORY_ENABLED"`
}

// Load resolves the overlay from defaults, the optional YAML file at path
// (skipped when path is empty or the file does not exist), and COMPANION_*
// environment variables.
func Load(path string) (Overlay, error) {
	overlay := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Overlay{}, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err == nil {
			var src fileOverlay
			if err := yaml.Unmarshal(data, &src); err != nil {
				return Overlay{}, fmt.Errorf("parsing config %q: %w", path, err)
			}
			if err := overlay.apply(&src); err != nil {
				return Overlay{}, fmt.Errorf("config %q: %w", path, err)
			}
		}
	}

	var env fileOverlay
	if err := envconfig.Process("companion", &env); err != nil {
		return Overlay{}, fmt.Errorf("reading environment: %w", err)
	}
	if err := overlay.apply(&env); err != nil {
		return Overlay{}, fmt.Errorf("environment: %w", err)
	}

	return overlay, nil
}

// apply merges non-empty source fields into the overlay.
func (o *Overlay) apply(src *fileOverlay) error {
	set := func(dst *uuid.UUID, value, field string) error {
		if value == "" {
			return nil
		}
		id, err := uuid.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", field, value, err)
		}
		*dst = id
		return nil
	}

	if err := set(&o.AssociationServiceUUID, src.AssociationServiceUUID, "association service UUID"); err != nil {
		return err
	}
	if err := set(&o.AssociationDataUUID, src.AssociationDataUUID, "association data UUID"); err != nil {
		return err
	}
	if err := set(&o.ReconnectionServiceUUID, src.ReconnectionServiceUUID, "reconnection service UUID"); err != nil {
		return err
	}
	if err := set(&o.ReconnectionDataUUID, src.ReconnectionDataUUID, "reconnection data UUID"); err != nil {
		return err
	}
	if err := set(&o.BeaconUUID, src.BeaconUUID, "beacon UUID"); err != nil {
		return err
	}

	if src.DeviceNamePrefix != "" {
		o.DeviceNamePrefix = src.DeviceNamePrefix
	}
	if src.MessageCompressionAllowed != nil {
		o.MessageCompressionAllowed = *src.MessageCompressionAllowed
	}
	if src.UnlockHistoryEnabled != nil {
		o.UnlockHistoryEnabled = *src.UnlockHistoryEnabled
	}
	return nil
}
