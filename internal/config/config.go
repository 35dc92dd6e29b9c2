package config

import (
	"fmt"
	"strings"
)

type Config struct {
	APIBaseURL string
	GatewayURL string
	Token      string
}

func validBaseURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func NewConfig(apiBaseURL, gatewayURL, token string) (*Config, error) {
	if apiBaseURL == "" {
		return nil, fmt.Errorf("api base URL cannot be empty")
	}
	if !validBaseURL(apiBaseURL) {
		return nil, fmt.Errorf("api base URL must be http or https")
	}
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	return &Config{
		APIBaseURL: strings.TrimSuffix(apiBaseURL, "/"),
		GatewayURL: gatewayURL,
		Token:      token,
	}, nil
}
