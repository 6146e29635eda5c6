package fileupload

import (
	"fmt"

	"github.com/bitrise-io/go-iotutils/blob"
)

const (
	// APIVersion of the IoT Hub file upload endpoints.
	APIVersion = "2016-11-14"
	// DefaultIoTHubSuffix is the hostname suffix of the public cloud.
	DefaultIoTHubSuffix = "azure-devices.net"
)

// Version is reported in the User-Agent header.
var Version = "1.1.0"

// AuthScheme is the way a device proves its identity to the hub.
type AuthScheme int

const (
	AuthSasToken AuthScheme = iota
	AuthX509
)

func (s AuthScheme) String() string {
	if s == AuthX509 {
		return "x509"
	}
	return "sas_token"
}

// Config describes the device and the hub it uploads through.
type Config struct {
	IoTHubName   string
	IoTHubSuffix string
	DeviceID     string

	// DeviceSasToken is sent as the Authorization header, it is not generated here.
	DeviceSasToken string

	// X509Certificate and X509PrivateKey are PEM encoded, both are required for x509 authentication.
	X509Certificate string
	X509PrivateKey  string

	Blob blob.Config
}

// DefaultConfig returns a configuration for the public cloud with block uploads enabled.
func DefaultConfig() Config {
	return Config{
		IoTHubSuffix: DefaultIoTHubSuffix,
		Blob:         blob.DefaultConfig(),
	}
}

// AuthScheme ...
func (c Config) AuthScheme() AuthScheme {
	if c.X509Certificate != "" || c.X509PrivateKey != "" {
		return AuthX509
	}
	return AuthSasToken
}

// Hostname is the IoT Hub hostname, the hub name followed by the suffix.
func (c Config) Hostname() string {
	return c.IoTHubName + "." + c.IoTHubSuffix
}

func (c Config) validate() error {
	if c.IoTHubName == "" {
		return fmt.Errorf("IoT Hub name is empty: %w", ErrInvalidArg)
	}
	if c.IoTHubSuffix == "" {
		return fmt.Errorf("IoT Hub suffix is empty: %w", ErrInvalidArg)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is empty: %w", ErrInvalidArg)
	}

	switch c.AuthScheme() {
	case AuthX509:
		if c.X509Certificate == "" || c.X509PrivateKey == "" {
			return fmt.Errorf("x509 authentication needs both a certificate and a private key: %w", ErrInvalidArg)
		}
	default:
		if c.DeviceSasToken == "" {
			return fmt.Errorf("no device credentials: %w", ErrInvalidArg)
		}
	}
	return nil
}
