package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/agencykit/integrations/tlmt"
	"github.com/agencykit/integrations/tlmt/gonoop"
	"github.com/agencykit/integrations/tlmt/goposthog"
)

const (
	RunModeWeb = iota + 1
	RunModeWorker
	RunModeMigrate
)

var (
	ErrInvalidRunMode = errors.New("invalid run mode")
)

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	Addr       string
	Debug      bool
	Dsn        string
	DataFolder string
	RunMode    int

	AppURL              string
	ClerkAPIKey         string
	StripeAPIKey        string
	StripeWebhookSecret string
	StateSigningSecret  string
	TokenEncryptionKey  string

	RedisURL           string
	RedisHost          string
	RedisPort          int
	RedisPassword      string
	RedisDB            int
	RedisWorkers       int
	RedisMaxRetries    int
	RedisRetryInterval time.Duration
	RefreshInterval    time.Duration
	RefreshWindow      time.Duration
}

func ParseConfig() *Config {
	cfg := Config{}

	var worker, migrate bool

	flag.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on for web server")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.StringVar(&cfg.Dsn, "dsn", "", "database connection string [default: local sqlite]")
	flag.StringVar(&cfg.DataFolder, "data-folder", "webdata", "data folder for the local sqlite database")
	flag.BoolVar(&worker, "worker", false, "run the background token refresh worker instead of the web server")
	flag.BoolVar(&migrate, "migrate", false, "run database migrations and exit")
	flag.IntVar(&cfg.RedisWorkers, "redis-workers", 10, "number of concurrent task workers")
	flag.IntVar(&cfg.RedisMaxRetries, "redis-max-retries", 3, "maximum retries per task")
	flag.DurationVar(&cfg.RedisRetryInterval, "redis-retry-interval", 5*time.Second, "maximum retry backoff per task")
	flag.DurationVar(&cfg.RefreshInterval, "refresh-interval", 15*time.Minute, "how often the token refresh sweep is enqueued")
	flag.DurationVar(&cfg.RefreshWindow, "refresh-window", time.Hour, "how far ahead of expiry tokens are refreshed")

	flag.Parse()

	if cfg.Dsn == "" {
		cfg.Dsn = os.Getenv("DATABASE_URL")
	}

	cfg.AppURL = os.Getenv("APP_URL")
	cfg.ClerkAPIKey = os.Getenv("CLERK_API_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.StateSigningSecret = os.Getenv("STATE_SIGNING_SECRET")
	cfg.TokenEncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	switch {
	case migrate:
		cfg.RunMode = RunModeMigrate
	case worker:
		cfg.RunMode = RunModeWorker
	default:
		cfg.RunMode = RunModeWeb
	}

	return &cfg
}

var (
	telemetryOnce sync.Once
	telemetry     tlmt.Telemetry
)

func Telemetry() tlmt.Telemetry {
	telemetryOnce.Do(func() {
		disableTel := func() bool {
			return os.Getenv("DISABLE_TELEMETRY") == "1"
		}()

		apiKey := os.Getenv("POSTHOG_API_KEY")
		if disableTel || apiKey == "" {
			telemetry = gonoop.New()

			return
		}

		val, err := goposthog.New(apiKey, "https://eu.i.posthog.com")
		if err != nil || val == nil {
			telemetry = gonoop.New()

			return
		}

		telemetry = val
	})

	return telemetry
}

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		runeWidth := runewidth.RuneWidth(r)
		if currentWidth+runeWidth > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = runeWidth
		} else {
			currentLine += string(r)
			currentWidth += runeWidth
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

func banner(messages []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(0)
		if err != nil {
			width = 80
		}
	}

	if width < 20 {
		width = 20
	}

	contentWidth := width - 4

	var wrappedLines []string
	for _, message := range messages {
		wrappedLines = append(wrappedLines, wrapText(message, contentWidth)...)
	}

	var builder strings.Builder

	builder.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrappedLines {
		lineWidth := runewidth.StringWidth(line)
		paddingRight := contentWidth - lineWidth

		if paddingRight < 0 {
			paddingRight = 0
		}

		builder.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", paddingRight)))
	}

	builder.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return builder.String()
}

func Banner() {
	BannerWithDebug(false)
}

func BannerWithDebug(debug bool) {
	messages := []string{"🔌 AgencyKit Integrations"}

	if debug {
		messages = append(messages, "🐛 debug logging enabled")
	}

	fmt.Fprintln(os.Stderr, banner(messages, 0))
}
