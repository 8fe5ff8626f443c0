package config

import (
	"flag"

	"github.com/dmitrijs2005/capsulekeeper/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string     gRPC bind address (e.g., ":50051")
//	-w string     webhook HTTP bind address (e.g., ":8080")
//	-d string     PostgreSQL DSN
//	-s string     JWT HMAC secret key
//	-l string     log format: json or zap
//	-r string     Redis address
//	-q string     AMQP URL
//	-b string     S3 bucket name
//	-g string     S3 region
//	-e string     S3 base endpoint
//	-i duration   dispatch interval (e.g., "30s")
//	-n int        dispatch workers
//
// Flags are filtered with flagx.FilterArgs first so that flags owned by other
// components (-c/-config) do not fail parsing.
func parseFlags(config *Config, osArgs []string) {
	args := flagx.FilterArgs(osArgs, []string{"a", "w", "d", "s", "l", "r", "q", "b", "g", "e", "i", "n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run gRPC server")
	fs.StringVar(&config.EndpointAddrHTTP, "w", config.EndpointAddrHTTP, "address and port to receive webhooks")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.LogFormat, "l", config.LogFormat, "log format (json|zap)")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	fs.StringVar(&config.AMQPURL, "q", config.AMQPURL, "AMQP URL")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.DurationVar(&config.DispatchInterval, "i", config.DispatchInterval, "dispatch interval")
	fs.IntVar(&config.DispatchWorkers, "n", config.DispatchWorkers, "dispatch workers")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
