package objectstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nucleus/imageindex/internal/apperr"
)

// Supported drivers.
const (
	DriverMinio = "minio"
	DriverS3    = "s3"
	DriverLocal = "local"
)

const (
	defaultPresignExpiry = time.Hour
	defaultLocalDir      = "imageindex-objects"
)

// Config captures the object store endpoint configuration.
type Config struct {
	Driver          string
	EndpointURL     string
	Region          string
	UseSSL          bool
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	PublicBaseURL   string
	PresignExpiry   time.Duration
	RootPath        string
}

func (c *Config) normalizeDefaults() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverMinio
	}
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), "/")
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	if c.PresignExpiry <= 0 {
		c.PresignExpiry = defaultPresignExpiry
	}
	if c.Driver == DriverLocal && c.RootPath == "" {
		c.RootPath = filepath.Join(os.TempDir(), defaultLocalDir)
	}
}

// Validate checks the settings the selected driver needs.
func (c Config) Validate() error {
	c.normalizeDefaults()
	var problems []string
	if strings.TrimSpace(c.Bucket) == "" {
		problems = append(problems, "bucket is required")
	}
	switch c.Driver {
	case DriverMinio:
		if c.EndpointURL == "" {
			problems = append(problems, "endpoint url is required for the minio driver")
		}
		if c.AccessKeyID == "" || c.SecretAccessKey == "" {
			problems = append(problems, "access key id and secret access key are required for the minio driver")
		}
	case DriverS3, DriverLocal:
	default:
		problems = append(problems, fmt.Sprintf("unknown driver %q", c.Driver))
	}
	if c.EndpointURL != "" {
		if _, err := url.Parse(c.EndpointURL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid endpoint url: %v", err))
		}
	}
	if c.PublicBaseURL != "" {
		if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Scheme == "" {
			problems = append(problems, fmt.Sprintf("invalid public base url %q", c.PublicBaseURL))
		}
	}
	if len(problems) > 0 {
		return apperr.Configuration("objectstore.config", fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return nil
}

// objectKey joins the configured prefix and the file name.
func (c Config) objectKey(name string) string {
	name = strings.TrimLeft(filepath.ToSlash(name), "/")
	if c.Prefix == "" {
		return name
	}
	return c.Prefix + "/" + name
}

// publicURL builds a stable URL under PublicBaseURL.
func (c Config) publicURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.PublicBaseURL + "/" + strings.Join(parts, "/")
}
