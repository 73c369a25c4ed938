package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Config is the bootstrap configuration. Everything that may change while the service
// runs lives in the runtime settings instead.
type Config struct {
	HTTPAddr    string `long:"http-addr" env:"HTTP_ADDR" default:":8080" description:"HTTP listen address"`
	PostgresURL string `long:"postgres-url" env:"POSTGRES_URL" required:"true" description:"Postgres connection string"`
	RedisAddr   string `long:"redis-addr" env:"REDIS_ADDR" required:"true" description:"Redis host:port"`
	LogLevel    string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"logrus level"`

	JaegerEndpoint string `long:"jaeger-endpoint" env:"JAEGER_ENDPOINT" description:"Jaeger collector endpoint, tracing is off when empty"`

	JWTSecret     string `long:"jwt-secret" env:"JWT_SECRET" required:"true" description:"HMAC secret of bearer tokens"`
	WebhookSecret string `long:"webhook-secret" env:"WEBHOOK_SECRET" required:"true" description:"shared secret of gateway webhook signatures"`

	OmisePublicKey string        `long:"omise-public-key" env:"OMISE_PUBLIC_KEY" description:"payment gateway public key"`
	OmiseSecretKey string        `long:"omise-secret-key" env:"OMISE_SECRET_KEY" description:"payment gateway secret key"`
	GatewayTimeout time.Duration `long:"gateway-timeout" env:"GATEWAY_TIMEOUT" default:"10s" description:"timeout of payment gateway calls"`

	IdentityURL string `long:"identity-url" env:"IDENTITY_URL" description:"identity service base URL"`

	FirebaseCredentialsFile string `long:"firebase-credentials" env:"FIREBASE_CREDENTIALS_FILE" description:"service account file for push notifications"`
	EmailProviderURL        string `long:"email-provider-url" env:"EMAIL_PROVIDER_URL" description:"email delivery endpoint"`
	SMSProviderURL          string `long:"sms-provider-url" env:"SMS_PROVIDER_URL" description:"SMS delivery endpoint"`

	ReconcileEvery string `long:"reconcile-every" env:"RECONCILE_EVERY" default:"@every 2m" description:"schedule of the payment reconciliation job"`
}

// Load reads an optional .env file and then parses args and the environment into a Config.
// Values already present in the environment win over the .env file.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("could not load .env: %w", err)
	}

	var cfg Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return Config{}, fmt.Errorf("could not parse config: %w", err)
	}

	return cfg, nil
}
