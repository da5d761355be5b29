package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AgentConfig drives the inbox agent: the long-running client that holds the
// credential, the realtime subscription and the reconciled inbox view.
type AgentConfig struct {
	APIBaseURL string `envconfig:"API_BASE_URL" required:"true"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// durable client-side storage (credential + oauth handshake state)
	StoragePath string `envconfig:"STORAGE_PATH" default:"./data/agent.db"`

	OrganizationID string `envconfig:"ORGANIZATION_ID"`
	UserID         string `envconfig:"USER_ID"`

	// local surface for oauth redirects and the cookie-gated inbox page
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8765"`
	PublicURL    string `envconfig:"PUBLIC_URL" default:"http://127.0.0.1:8765"`
	CookieSecure bool   `envconfig:"COOKIE_SECURE" default:"false"`

	// realtime transport: "ws" or "amqp"
	RealtimeTransport string `envconfig:"REALTIME_TRANSPORT" default:"ws"`
	RealtimeURL       string `envconfig:"REALTIME_URL"`
	AMQPURL           string `envconfig:"AMQP_URL"`
	RealtimeExchange  string `envconfig:"REALTIME_EXCHANGE" default:"inbox.realtime"`

	ReconnectPerSecond float64 `envconfig:"REALTIME_RECONNECT_RPS" default:"0.5"`
	ReconnectBurst     int     `envconfig:"REALTIME_RECONNECT_BURST" default:"3"`

	// zero disables stalled-job reporting
	AIStallAfter     string `envconfig:"AI_STALL_AFTER" default:"0s"`
	StrictOAuthState bool   `envconfig:"OAUTH_STRICT_STATE" default:"false"`
}

type GatewayConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	// bearer tokens issued by the auth service
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// workflow engine callbacks
	WorkflowSigningSecret string `envconfig:"WORKFLOW_SIGNING_SECRET" required:"true"`

	// realtime fan-out
	AMQPURL          string `envconfig:"AMQP_URL" required:"true"`
	RealtimeExchange string `envconfig:"REALTIME_EXCHANGE" default:"inbox.realtime"`
}

type WorkerConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	DBPoolMaxConns int32 `envconfig:"DB_POOL_MAX_CONNS" default:"5"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"8"`

	// Workflow engine
	WorkflowBaseURL     string  `envconfig:"WORKFLOW_BASE_URL" required:"true"`
	WorkflowAPIKey      string  `envconfig:"WORKFLOW_API_KEY" required:"true"`
	WorkflowCallbackURL string  `envconfig:"WORKFLOW_CALLBACK_URL" required:"true"` // public URL of the gateway webhook
	WorkflowRPSPerPod   float64 `envconfig:"WORKFLOW_RPS_PER_POD" default:"5"`
	WorkflowBurst       int     `envconfig:"WORKFLOW_BURST" default:"10"`
}

// LoadDotEnv reads .env files into the process environment. A missing file
// is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func LoadAgent() AgentConfig {
	var cfg AgentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadGateway() GatewayConfig {
	var cfg GatewayConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
