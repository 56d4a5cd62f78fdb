// Package config reads the upload settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	goenv "github.com/Netflix/go-env"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/tekcloud/go-uploadutils/compression"
	"github.com/tekcloud/go-uploadutils/multipart"
)

// Backend names.
const (
	BackendTekDrive = "tekdrive"
	BackendS3       = "s3"
)

// Config ...
type Config struct {
	APIURL             string        `env:"TEKDRIVE_API_URL,default=https://drive.api.tekcloud.com"`
	AccessKey          Secret        `env:"TEKDRIVE_ACCESS_KEY"`
	Backend            string        `env:"UPLOAD_BACKEND,default=tekdrive"`
	ChunkSizeMB        float64       `env:"UPLOAD_CHUNK_SIZE_MB,default=5"`
	SplitCount         int           `env:"UPLOAD_SPLIT_COUNT,default=0"`
	MinChunkSizeMB     float64       `env:"UPLOAD_MIN_CHUNK_SIZE_MB,default=5"`
	MaxParts           int           `env:"UPLOAD_MAX_PARTS,default=10000"`
	Concurrency        int           `env:"UPLOAD_CONCURRENCY,default=4"`
	MaxAttempts        int           `env:"UPLOAD_MAX_ATTEMPTS,default=5"`
	AttemptTimeout     time.Duration `env:"UPLOAD_ATTEMPT_TIMEOUT,default=5m"`
	DrainTimeout       time.Duration `env:"UPLOAD_DRAIN_TIMEOUT,default=30s"`
	Compress           bool          `env:"UPLOAD_COMPRESS,default=false"`
	CompressionLevel   int           `env:"UPLOAD_COMPRESSION_LEVEL,default=3"`
	JournalPath        string        `env:"UPLOAD_JOURNAL_PATH"`
	S3Bucket           string        `env:"AWS_S3_BUCKET"`
	AWSRegion          string        `env:"AWS_REGION"`
	AWSAccessKeyID     string        `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey Secret        `env:"AWS_SECRET_ACCESS_KEY"`
	S3Endpoint         string        `env:"AWS_S3_ENDPOINT"`
	Verbose            bool          `env:"UPLOAD_VERBOSE,default=false"`
}

// Parse reads the config from envRepo. Variables set to an empty value count as unset.
func Parse(envRepo env.Repository) (Config, error) {
	es, err := goenv.EnvironToEnvSet(envRepo.List())
	if err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	for k, v := range es {
		if strings.TrimSpace(v) == "" {
			delete(es, k)
		}
	}

	var cfg Config
	if err := goenv.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, v ...interface{}) {
		errs = append(errs, fmt.Errorf(format, v...))
	}

	switch c.Backend {
	case BackendTekDrive:
		if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			invalid("TEKDRIVE_API_URL: %q is not an http(s) URL", c.APIURL)
		}
		if c.AccessKey == "" {
			invalid("TEKDRIVE_ACCESS_KEY: required for the %s backend", BackendTekDrive)
		}
	case BackendS3:
		if c.S3Bucket == "" {
			invalid("AWS_S3_BUCKET: required for the %s backend", BackendS3)
		}
		if c.AWSRegion == "" {
			invalid("AWS_REGION: required for the %s backend", BackendS3)
		}
		if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
			invalid("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
		}
	default:
		invalid("UPLOAD_BACKEND: %q is not one of [%s, %s]", c.Backend, BackendTekDrive, BackendS3)
	}

	if c.ChunkSizeMB <= 0 {
		invalid("UPLOAD_CHUNK_SIZE_MB: must be positive, got %v", c.ChunkSizeMB)
	}
	if c.SplitCount < 0 {
		invalid("UPLOAD_SPLIT_COUNT: must not be negative, got %d", c.SplitCount)
	}
	if c.MinChunkSizeMB < 0 {
		invalid("UPLOAD_MIN_CHUNK_SIZE_MB: must not be negative, got %v", c.MinChunkSizeMB)
	}
	if c.MaxParts < 0 {
		invalid("UPLOAD_MAX_PARTS: must not be negative, got %d", c.MaxParts)
	}
	if c.Concurrency < 1 {
		invalid("UPLOAD_CONCURRENCY: must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		invalid("UPLOAD_MAX_ATTEMPTS: must be at least 1, got %d", c.MaxAttempts)
	}
	if c.AttemptTimeout <= 0 {
		invalid("UPLOAD_ATTEMPT_TIMEOUT: must be positive, got %s", c.AttemptTimeout)
	}
	if c.DrainTimeout < 0 {
		invalid("UPLOAD_DRAIN_TIMEOUT: must not be negative, got %s", c.DrainTimeout)
	}
	if c.Compress && (c.CompressionLevel < compression.MinLevel || c.CompressionLevel > compression.MaxLevel) {
		invalid("UPLOAD_COMPRESSION_LEVEL: must be in [%d, %d], got %d", compression.MinLevel, compression.MaxLevel, c.CompressionLevel)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

// TransferConfig returns the chunk transfer settings.
func (c Config) TransferConfig() multipart.Config {
	cfg := multipart.DefaultConfig()
	cfg.Concurrency = c.Concurrency
	cfg.MaxAttempts = c.MaxAttempts
	cfg.AttemptTimeout = c.AttemptTimeout
	cfg.DrainTimeout = c.DrainTimeout
	return cfg
}

// Print logs every setting, secrets redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configs:")

	v := reflect.ValueOf(c)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := strings.Split(t.Field(i).Tag.Get("env"), ",")[0]
		if key == "" {
			key = t.Field(i).Name
		}
		logger.Printf("- %s: %s", key, valueString(v.Field(i)))
	}
}

func valueString(v reflect.Value) string {
	if v.IsZero() {
		return "<unset>"
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v.Interface())
}
