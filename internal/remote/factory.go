package remote

import (
	"context"
	"fmt"

	"okoa-go/internal/config"
	"okoa-go/internal/okoa"
)

// NewRemoteFromConfig creates a Remote implementation based on the remote config type.
func NewRemoteFromConfig(ctx context.Context, cfg config.RemoteConfig) (okoa.Remote, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRemote(cfg.Name), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http remote requires url to be set")
		}
		var opts []HTTPOption
		if cfg.JWTSecret != "" {
			opts = append(opts, WithJWT(cfg.JWTSecret, cfg.JWTIssuer))
		}
		return NewHTTPRemote(cfg.Name, cfg.URL, opts...), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 remote requires s3_bucket to be set")
		}
		return NewS3Remote(ctx, cfg.Name, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	case "filesystem":
		if cfg.SpoolDir == "" {
			return nil, fmt.Errorf("filesystem remote requires spool_dir to be set")
		}
		r, err := NewFileSystemRemote(cfg.Name, cfg.SpoolDir)
		if err != nil {
			return nil, err
		}
		if err := r.ValidateSetup(); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
