package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/bitrise-io/go-iotutils/archive"
	"github.com/bitrise-io/go-iotutils/blob"
	"github.com/bitrise-io/go-iotutils/fileupload"
	"github.com/bitrise-io/go-iotutils/transport"
	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const redacted = "[REDACTED]"

// ByteSize is a size in bytes that reads human readable values such as "4MiB".
type ByteSize int64

func (s ByteSize) MarshalYAML() (interface{}, error) {
	return units.BytesSize(float64(s)), nil
}

type HubConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Suffix   string `mapstructure:"suffix" yaml:"suffix"`
	DeviceID string `mapstructure:"device_id" yaml:"device_id"`
	SasToken string `mapstructure:"sas_token" yaml:"sas_token"`
	// PEM file paths
	X509Certificate string `mapstructure:"x509_certificate" yaml:"x509_certificate"`
	X509PrivateKey  string `mapstructure:"x509_private_key" yaml:"x509_private_key"`
}

type BlobConfig struct {
	BlockSize         ByteSize               `mapstructure:"block_size" yaml:"block_size"`
	SingleUploadLimit ByteSize               `mapstructure:"single_upload_limit" yaml:"single_upload_limit"`
	Chunked           bool                   `mapstructure:"chunked" yaml:"chunked"`
	Timeout           time.Duration          `mapstructure:"timeout" yaml:"timeout"`
	TrustedCerts      string                 `mapstructure:"trusted_certs" yaml:"trusted_certs"`
	Proxy             transport.ProxyOptions `mapstructure:"proxy" yaml:"proxy"`
}

type S3Config struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	CompressionLevel int `mapstructure:"compression_level" yaml:"compression_level"`
}

type Config struct {
	Verbose bool          `mapstructure:"verbose" yaml:"verbose"`
	Hub     HubConfig     `mapstructure:"hub" yaml:"hub"`
	Blob    BlobConfig    `mapstructure:"blob" yaml:"blob"`
	S3      S3Config      `mapstructure:"s3" yaml:"s3"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")
	v.SetDefault("verbose", false)
	v.SetDefault("hub.suffix", fileupload.DefaultIoTHubSuffix)
	v.SetDefault("blob.block_size", "4MiB")
	v.SetDefault("blob.single_upload_limit", "64MiB")
	v.SetDefault("blob.chunked", true)
	v.SetDefault("blob.timeout", "0s")
	v.SetDefault("archive.compression_level", archive.DefaultCompressionLevel)

	// Nested keys need a default to be reachable from the environment, e.g. IOTUPLOAD_HUB_NAME.
	for _, key := range []string{
		"hub.name", "hub.device_id", "hub.sas_token", "hub.x509_certificate", "hub.x509_private_key",
		"blob.trusted_certs", "blob.proxy.host", "blob.proxy.username", "blob.proxy.password",
		"s3.region", "s3.bucket", "s3.access_key_id", "s3.secret_access_key",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("blob.proxy.port", 0)

	v.SetEnvPrefix("IOTUPLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func byteSizeHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(ByteSize(0)) || f.Kind() != reflect.String {
			return data, nil
		}
		size, err := units.RAMInBytes(data.(string))
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", data, err)
		}
		return ByteSize(size), nil
	}
}

// loadConfig reads the optional config file and decodes every layer into a Config.
func loadConfig(v *viper.Viper) (Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeHookFunc(),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Redacted returns a copy that is safe to print.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.Hub.SasToken)
	mask(&c.Blob.Proxy.Password)
	mask(&c.S3.SecretAccessKey)
	return c
}

func (c Config) blobConfig() (blob.Config, error) {
	config := blob.DefaultConfig()
	config.BlockSize = int64(c.Blob.BlockSize)
	config.SingleUploadLimit = int64(c.Blob.SingleUploadLimit)
	config.DisableBlocks = !c.Blob.Chunked
	config.Options = map[string]interface{}{}

	if c.Blob.Timeout > 0 {
		config.Options[transport.OptionTimeout] = c.Blob.Timeout
	}
	if c.Blob.TrustedCerts != "" {
		pem, err := os.ReadFile(c.Blob.TrustedCerts)
		if err != nil {
			return blob.Config{}, fmt.Errorf("read trusted certs: %w", err)
		}
		config.Options[transport.OptionTrustedCerts] = string(pem)
	}
	if c.Blob.Proxy.Host != "" {
		config.Options[transport.OptionProxy] = c.Blob.Proxy
	}
	if c.Verbose {
		config.Options[transport.OptionVerbose] = true
	}
	return config, nil
}

func (c Config) fileUploadConfig() (fileupload.Config, error) {
	blobConfig, err := c.blobConfig()
	if err != nil {
		return fileupload.Config{}, err
	}

	config := fileupload.DefaultConfig()
	config.IoTHubName = c.Hub.Name
	if c.Hub.Suffix != "" {
		config.IoTHubSuffix = c.Hub.Suffix
	}
	config.DeviceID = c.Hub.DeviceID
	config.DeviceSasToken = c.Hub.SasToken
	config.Blob = blobConfig

	if c.Hub.X509Certificate != "" || c.Hub.X509PrivateKey != "" {
		if config.X509Certificate, err = readPEM(c.Hub.X509Certificate); err != nil {
			return fileupload.Config{}, fmt.Errorf("read x509 certificate: %w", err)
		}
		if config.X509PrivateKey, err = readPEM(c.Hub.X509PrivateKey); err != nil {
			return fileupload.Config{}, fmt.Errorf("read x509 private key: %w", err)
		}
	}
	return config, nil
}

func readPEM(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no file given")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
