package transport

import (
	"fmt"
	"time"
)

// Option names understood by the HTTP transport.
const (
	OptionTimeout         = "timeout"
	OptionTrustedCerts    = "TrustedCerts"
	OptionX509Certificate = "x509certificate"
	OptionX509PrivateKey  = "x509privatekey"
	OptionProxy           = "proxy_data"
	OptionVerbose         = "verbose"
)

// ProxyOptions ...
type ProxyOptions struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// CloneOptionValue validates an option value and returns an independent copy of it.
// Timeouts may be given as a time.Duration or as milliseconds.
func CloneOptionValue(name string, value interface{}) (interface{}, error) {
	switch name {
	case OptionTimeout:
		switch v := value.(type) {
		case time.Duration:
			return v, nil
		case int:
			return time.Duration(v) * time.Millisecond, nil
		case uint:
			return time.Duration(v) * time.Millisecond, nil
		case int64:
			return time.Duration(v) * time.Millisecond, nil
		}
	case OptionTrustedCerts, OptionX509Certificate, OptionX509PrivateKey:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case OptionProxy:
		switch v := value.(type) {
		case ProxyOptions:
			return v, nil
		case *ProxyOptions:
			if v != nil {
				return *v, nil
			}
		}
	case OptionVerbose:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	default:
		return nil, fmt.Errorf("unknown option %s: %w", name, ErrInvalidArg)
	}

	return nil, fmt.Errorf("option %s: unexpected value type %T: %w", name, value, ErrInvalidArg)
}
