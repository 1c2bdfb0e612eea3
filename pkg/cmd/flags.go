package cmd

import (
	"github.com/dukex/flowtrail/pkg/blob"
	cli "github.com/urfave/cli/v3"
)

// StorageFlags are the flags shared by every binary that reads or writes flows.
func StorageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or a file directory)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL used by the ingestion queue and the observation cache",
			Value:   "redis://localhost:6379/0",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "blob-url",
			Usage:   "Observation data store (s3://bucket or a file directory)",
			Value:   "file://./data/blobs",
			Sources: cli.EnvVars("BLOB_URL"),
		},
		&cli.StringFlag{
			Name:    "s3-endpoint",
			Usage:   "Custom S3 endpoint, for S3-compatible stores",
			Sources: cli.EnvVars("S3_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "s3-region",
			Usage:   "S3 region",
			Value:   "us-east-1",
			Sources: cli.EnvVars("S3_REGION"),
		},
		&cli.StringFlag{
			Name:    "s3-bucket",
			Usage:   "S3 bucket, used when the blob url names none",
			Sources: cli.EnvVars("S3_BUCKET"),
		},
		&cli.StringFlag{
			Name:    "s3-access-key-id",
			Usage:   "S3 access key id (default credential chain when empty)",
			Sources: cli.EnvVars("S3_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "s3-secret-access-key",
			Usage:   "S3 secret access key",
			Sources: cli.EnvVars("S3_SECRET_ACCESS_KEY"),
		},
		&cli.BoolFlag{
			Name:    "s3-force-path-style",
			Usage:   "Use path-style S3 addressing",
			Sources: cli.EnvVars("S3_FORCE_PATH_STYLE"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Lifecycle event bus type (kafka, gochannel, none)",
			Value:   "none",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers for the kafka event bus",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP (configured with OTEL_EXPORTER_OTLP_*)",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

// S3Config reads the S3 flags of command.
func S3Config(command *cli.Command) blob.S3Config {
	return blob.S3Config{
		Bucket:          command.String("s3-bucket"),
		Region:          command.String("s3-region"),
		Endpoint:        command.String("s3-endpoint"),
		ForcePathStyle:  command.Bool("s3-force-path-style"),
		AccessKeyID:     command.String("s3-access-key-id"),
		SecretAccessKey: command.String("s3-secret-access-key"),
	}
}
