// Package config loads application configuration from environment
// variables, with godotenv in main providing .env convenience for
// local development.
package config

import (
	"log"
	"os"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  The types reflect how the values are used in
// the application: strings for identifiers and secrets, ints for durations
// and limits.
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	DBUser    string // database username
	DBPass    string // database password (optional)
	DBHost    string // database host address
	DBPort    string // database port number
	DBName    string // database name
	JWTSecret string // secret used to verify JWTs issued by the identity provider

	PaymentWindowMin   int // minutes a booking may stay PENDING before the reaper cancels it
	ReaperIntervalSec  int // seconds between expiry sweeps
	MaxSeatsPerBooking int // upper bound on seats in one booking
	InitiateMaxRetries int // gateway initiate retries before giving up
	InitiateBackoffSec int // seconds between initiate retries
	PollIntervalSec    int // seconds between mobile-money status sweeps
	PollGraceSec       int // how long an attempt may sit PROCESSING before it is queried

	CardAPIBase       string // card processor API base URL
	CardAPIKey        string // card processor secret key
	CardWebhookSecret string // secret verifying card webhook signatures

	MomoAPIBase     string // mobile-money aggregator API base URL
	MomoAPIKey      string // mobile-money aggregator access token
	MomoShortcode   string // mobile-money business shortcode
	MomoPasskey     string // mobile-money passkey used to derive request passwords
	MomoCallbackURL string // public URL the aggregator posts results to

	RabbitURL string // broker URL for booking notifications (optional)
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.  Tunables fall back
// to sensible defaults so a development environment only has to set the
// database, JWT and gateway credentials.
func Load() Config {
	return Config{
		Env:       must("APP_ENV"),      // environment (dev/test/prod)
		Port:      must("APP_PORT"),     // port to bind the HTTP server
		DBUser:    must("DB_USER"),      // database user
		DBPass:    os.Getenv("DB_PASS"), // database password (empty allowed)
		DBHost:    must("DB_HOST"),      // database host
		DBPort:    must("DB_PORT"),      // database port
		DBName:    must("DB_NAME"),      // database name
		JWTSecret: must("JWT_SECRET"),   // secret used for verifying JWTs

		PaymentWindowMin:   envInt("PAYMENT_WINDOW_MIN", 30),
		ReaperIntervalSec:  envInt("REAPER_INTERVAL_SEC", 60),
		MaxSeatsPerBooking: envInt("MAX_SEATS_PER_BOOKING", 6),
		InitiateMaxRetries: envInt("INITIATE_MAX_RETRIES", 3),
		InitiateBackoffSec: envInt("INITIATE_BACKOFF_SEC", 2),
		PollIntervalSec:    envInt("POLL_INTERVAL_SEC", 30),
		PollGraceSec:       envInt("POLL_GRACE_SEC", 90),

		CardAPIBase:       must("CARD_API_BASE"),       // card processor endpoint
		CardAPIKey:        must("CARD_API_KEY"),        // card processor credential
		CardWebhookSecret: must("CARD_WEBHOOK_SECRET"), // card webhook signing secret

		MomoAPIBase:     must("MOMO_API_BASE"),     // aggregator endpoint
		MomoAPIKey:      must("MOMO_API_KEY"),      // aggregator credential
		MomoShortcode:   must("MOMO_SHORTCODE"),    // business shortcode
		MomoPasskey:     must("MOMO_PASSKEY"),      // request password ingredient
		MomoCallbackURL: must("MOMO_CALLBACK_URL"), // where results are pushed

		RabbitURL: os.Getenv("RABBITMQ_URL"), // broker URL (empty falls back to local default)
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
