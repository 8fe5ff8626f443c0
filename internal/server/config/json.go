package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/dmitrijs2005/capsulekeeper/internal/flagx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration so both "90s" and integer nanoseconds are accepted. Only
// fields present in the file override the current values.
type JsonConfig struct {
	EndpointAddrGRPC string            `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP string            `json:"endpoint_addr_http"`
	DatabaseDSN      string            `json:"database_dsn"`
	SecretKey        string            `json:"secret_key"`
	LogFormat        string            `json:"log_format"`
	MasterKeys       map[string]string `json:"master_keys"`

	RedisAddr    string `json:"redis_addr"`
	AMQPURL      string `json:"amqp_url"`
	AMQPExchange string `json:"amqp_exchange"`

	S3RootUser     string          `json:"s3_root_user"`
	S3RootPassword string          `json:"s3_root_password"`
	S3Bucket       string          `json:"s3_bucket"`
	S3Region       string          `json:"s3_region"`
	S3BaseEndpoint string          `json:"s3_base_endpoint"`
	S3PresignTTL   *timex.Duration `json:"s3_presign_ttl"`

	EmailAPIURL string `json:"email_api_url"`
	EmailFrom   string `json:"email_from"`
	MailAPIURL  string `json:"mail_api_url"`
	AppURL      string `json:"app_url"`

	MailSender *jsonAddress `json:"mail_sender"`

	DispatchInterval      *timex.Duration `json:"dispatch_interval"`
	DispatchBatchSize     int             `json:"dispatch_batch_size"`
	DispatchWorkers       int             `json:"dispatch_workers"`
	DispatchMaxAttempts   int             `json:"dispatch_max_attempts"`
	DispatchBaseDelay     *timex.Duration `json:"dispatch_base_delay"`
	DispatchMaxDelay      *timex.Duration `json:"dispatch_max_delay"`
	ProviderTimeout       *timex.Duration `json:"provider_timeout"`
	StaleClaimAfter       *timex.Duration `json:"stale_claim_after"`
	ProviderRatePerSecond float64         `json:"provider_rate_per_second"`
}

type jsonAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// parseJson loads the file named by -c/-config (or CAPSULE_CONFIG) and
// overlays its values onto config. Without a file nothing changes. An
// unreadable file or invalid JSON panics.
func parseJson(config *Config, args []string) {
	path := flagx.ConfigPath(args)
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.LogFormat, c.LogFormat)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.AMQPURL, c.AMQPURL)
	setString(&config.AMQPExchange, c.AMQPExchange)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.EmailAPIURL, c.EmailAPIURL)
	setString(&config.EmailFrom, c.EmailFrom)
	setString(&config.MailAPIURL, c.MailAPIURL)
	setString(&config.AppURL, c.AppURL)

	if a := c.MailSender; a != nil {
		config.MailSender = models.ShippingAddress{
			Name: a.Name, Line1: a.Line1, Line2: a.Line2, City: a.City,
			State: a.State, PostalCode: a.PostalCode, Country: a.Country,
		}
	}

	for v, key := range c.MasterKeys {
		version, err := strconv.Atoi(v)
		if err != nil {
			panic("master_keys: version must be an integer: " + v)
		}
		if config.MasterKeys == nil {
			config.MasterKeys = map[int]string{}
		}
		config.MasterKeys[version] = key
	}

	if c.S3PresignTTL != nil {
		config.S3PresignTTL = c.S3PresignTTL.Duration
	}
	if c.DispatchInterval != nil {
		config.DispatchInterval = c.DispatchInterval.Duration
	}
	if c.DispatchBaseDelay != nil {
		config.DispatchBaseDelay = c.DispatchBaseDelay.Duration
	}
	if c.DispatchMaxDelay != nil {
		config.DispatchMaxDelay = c.DispatchMaxDelay.Duration
	}
	if c.ProviderTimeout != nil {
		config.ProviderTimeout = c.ProviderTimeout.Duration
	}
	if c.StaleClaimAfter != nil {
		config.StaleClaimAfter = c.StaleClaimAfter.Duration
	}
	if c.DispatchBatchSize > 0 {
		config.DispatchBatchSize = c.DispatchBatchSize
	}
	if c.DispatchWorkers > 0 {
		config.DispatchWorkers = c.DispatchWorkers
	}
	if c.DispatchMaxAttempts > 0 {
		config.DispatchMaxAttempts = c.DispatchMaxAttempts
	}
	if c.ProviderRatePerSecond > 0 {
		config.ProviderRatePerSecond = c.ProviderRatePerSecond
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
