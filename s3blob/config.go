package s3blob

import (
	"github.com/harborscale/go-harborscale-state/environment"
	"github.com/harborscale/go-harborscale-state/logger"
)

type Logger = logger.Logger

// Config carries everything needed to reach an S3-compatible endpoint. The
// zero Endpoint means AWS proper; anything else (minio and friends) usually
// needs PathStyle as well.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// FromEnvOrFatal reads the blob store configuration from the environment.
// The secret key is read indirectly from a mounted file when
// BLOB_STORE_SECRET_ACCESS_KEY_FILENAME is set.
func FromEnvOrFatal() Config {
	return Config{
		Bucket:    environment.GetOrFatal("BLOB_STORE_BUCKET"),
		Region:    environment.GetWithDefault("BLOB_STORE_REGION", "us-east-1"),
		Endpoint:  environment.GetWithDefault("BLOB_STORE_ENDPOINT", ""),
		AccessKey: environment.GetWithDefault("BLOB_STORE_ACCESS_KEY_ID", ""),
		SecretKey: environment.ReadIndirectWithDefault("BLOB_STORE_SECRET_ACCESS_KEY_FILENAME", ""),
		PathStyle: environment.GetTruthy("BLOB_STORE_PATH_STYLE"),
	}
}
