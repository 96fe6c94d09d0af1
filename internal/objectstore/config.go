package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/veritas-labs/datasmith-go/internal/platform/env"
)

// MinioConfig holds S3 backend credentials and endpoint settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

func MinioConfigFromEnv() (MinioConfig, error) {
	useSSL, err := env.Bool("DATASMITH_MINIO_USE_SSL", false)
	if err != nil {
		return MinioConfig{}, err
	}
	cfg := MinioConfig{
		Endpoint:  env.String("DATASMITH_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("DATASMITH_MINIO_ACCESS_KEY", "datasmith"),
		SecretKey: env.String("DATASMITH_MINIO_SECRET_KEY", "datasmithminio"),
		Region:    env.String("DATASMITH_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
	}
	if err := cfg.Validate(); err != nil {
		return MinioConfig{}, err
	}
	return cfg, nil
}

func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
