package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sluice-labs/sluice-go/internal/platform/env"
)

type Config struct {
	Endpoint         string
	AccessKey        string
	SecretKey        string
	Region           string
	UseSSL           bool
	BucketRaw        string
	BucketQuarantine string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("SLUICE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:         env.String("SLUICE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:        env.String("SLUICE_MINIO_ACCESS_KEY", "sluice"),
		SecretKey:        env.String("SLUICE_MINIO_SECRET_KEY", "sluiceminio"),
		Region:           env.String("SLUICE_MINIO_REGION", "us-east-1"),
		UseSSL:           useSSL,
		BucketRaw:        env.String("SLUICE_MINIO_BUCKET_RAW", "raw"),
		BucketQuarantine: env.String("SLUICE_MINIO_BUCKET_QUARANTINE", "quarantine"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return errors.New("endpoint is required")
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.AccessKey) == "":
		return errors.New("access key is required")
	case strings.TrimSpace(c.SecretKey) == "":
		return errors.New("secret key is required")
	case strings.TrimSpace(c.Region) == "":
		return errors.New("region is required")
	case strings.TrimSpace(c.BucketRaw) == "":
		return errors.New("raw bucket is required")
	case strings.TrimSpace(c.BucketQuarantine) == "":
		return errors.New("quarantine bucket is required")
	case c.BucketRaw == c.BucketQuarantine:
		return errors.New("raw and quarantine buckets must differ")
	}
	return nil
}
