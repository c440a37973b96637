package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"teamcal/internal/cache"
	"teamcal/internal/config"
	"teamcal/internal/google"
	"teamcal/internal/graph"
	"teamcal/internal/icloud"
	"teamcal/internal/logging"
	"teamcal/internal/models"
	"teamcal/internal/roster"
	"teamcal/internal/server"
	"teamcal/internal/service"
	"teamcal/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "teamcal",
		Usage: "Aggregate team calendars and find shared free time.",
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			availabilityCommand(),
			authCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// deps bundles everything the commands share.
type deps struct {
	cfg     *config.Config
	logger  *slog.Logger
	cache   *cache.Cache
	syncer  *syncer.Syncer
	roster  *roster.Loader
	service *service.Service
	close   func()
}

func setup(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, closer := logging.Setup(cfg.LogLevel, cfg.LogFile)

	source, err := newSource(ctx, logger, cfg)
	if err != nil {
		// Runs record ErrSourceNotConfigured until this is fixed.
		logger.Warn("Calendar source unavailable", "source", cfg.Source, "error", err)
		source = nil
	}

	c := cache.New(logger, cfg.CacheDuration)
	s := syncer.NewSyncer(logger, source, c, syncer.Config{
		Users:        cfg.UserEmails,
		Interval:     cfg.SyncInterval,
		DaysBack:     cfg.SyncDaysBack,
		DaysAhead:    cfg.SyncDaysAhead,
		FetchTimeout: cfg.FetchTimeout,
		Location:     cfg.Location,
	})
	r := roster.NewLoader(logger, cfg.OnCallSchedulePath, cfg.Location)

	return &deps{
		cfg:     cfg,
		logger:  logger,
		cache:   c,
		syncer:  s,
		roster:  r,
		service: service.New(logger, c, s, r),
		close:   func() { closer.Close() },
	}, nil
}

// newSource builds the configured calendar source.
func newSource(ctx context.Context, logger *slog.Logger, cfg *config.Config) (syncer.Source, error) {
	if !cfg.IsSourceConfigured() {
		return nil, fmt.Errorf("%w: missing credentials for %s", syncer.ErrSourceNotConfigured, cfg.Source)
	}
	colors := models.NewColorAssigner()
	switch cfg.Source {
	case config.SourceGraph:
		return graph.NewClient(logger, cfg.AzureTenantID, cfg.AzureClientID, cfg.AzureClientSecret, cfg.Location, colors), nil
	case config.SourceGoogle:
		return google.NewClient(ctx, logger, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleAccount, cfg.Location, colors)
	case config.SourceCalDAV:
		return icloud.NewClient(logger, cfg.CalDAVEndpoint, cfg.CalDAVUsername, cfg.CalDAVPassword, cfg.Location, colors)
	default:
		return nil, fmt.Errorf("unknown calendar source %q", cfg.Source)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API with background synchronization.",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.IsSourceConfigured() {
				a.syncer.Start(ctx)
				defer func() {
					a.syncer.Stop()
					<-a.syncer.Done()
				}()
			} else {
				a.logger.Warn("Calendar source not configured, background sync disabled.", "source", a.cfg.Source)
			}

			if err := a.roster.Watch(ctx); err != nil {
				a.logger.Warn("On-call schedule will be re-read on demand only", "error", err)
			}

			srv := server.New(a.logger, a.service, server.Options{
				Host:           a.cfg.Host,
				Port:           a.cfg.Port,
				APIKey:         a.cfg.APIKey,
				AllowedOrigins: a.cfg.AllowedOrigins,
				Location:       a.cfg.Location,
			})
			if a.cfg.APIKey == "" {
				a.logger.Warn("API_KEY not set, the API is open to anyone who can reach it.")
			}
			return srv.Run(ctx)
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one synchronization cycle and print the sync status.",
		Action: func(c *cli.Context) error {
			a, err := setup(c.Context)
			if err != nil {
				return err
			}
			defer a.close()

			a.logger.Info("Running a single sync cycle.")
			a.service.SyncNow(c.Context)
			st := a.service.GetSyncStatus()
			if err := printJSON(st); err != nil {
				return err
			}
			if st.ErrorMessage != nil {
				return fmt.Errorf("sync cycle failed: %s", *st.ErrorMessage)
			}
			return nil
		},
	}
}

func availabilityCommand() *cli.Command {
	return &cli.Command{
		Name:  "availability",
		Usage: "Sync once, then print the free slots shared by the given users.",
		Flags: []cli.Flag{
			&cli.TimestampFlag{Name: "start", Layout: "2006-01-02T15:04:05", Required: true, Usage: "Window start (YYYY-MM-DDTHH:MM:SS)"},
			&cli.TimestampFlag{Name: "end", Layout: "2006-01-02T15:04:05", Required: true, Usage: "Window end (YYYY-MM-DDTHH:MM:SS)"},
			&cli.IntFlag{Name: "duration", Value: 60, Usage: "Meeting length in minutes"},
			&cli.StringFlag{Name: "users", Usage: "Comma separated emails; defaults to USER_EMAILS"},
		},
		Action: func(c *cli.Context) error {
			start, end := c.Timestamp("start"), c.Timestamp("end")
			if start == nil || end == nil || !end.After(*start) {
				return fmt.Errorf("--end must be after --start")
			}
			if d := c.Int("duration"); d < 1 || d > 1440 {
				return fmt.Errorf("--duration must be between 1 and 1440, got %d", d)
			}

			a, err := setup(c.Context)
			if err != nil {
				return err
			}
			defer a.close()

			a.service.SyncNow(c.Context)
			if st := a.service.GetSyncStatus(); st.ErrorMessage != nil {
				a.logger.Warn("Sync failed, using whatever is cached", "error", *st.ErrorMessage)
			}
			return printJSON(a.service.GetAvailability(service.AvailabilityQuery{
				Users:           config.SplitList(c.String("users")),
				Start:           *start,
				End:             *end,
				DurationMinutes: c.Int("duration"),
			}))
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			logger := logging.New(os.Stderr, "info")
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			ctx, cancel := context.WithTimeout(c.Context, time.Minute)
			defer cancel()
			token, err := google.TokenFromWeb(ctx, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (default: 'default'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				accountName = "default"
			}
			tokenFile := google.TokenFile(accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token. Set GOOGLE_ACCOUNT to use it.", "file", tokenFile, "account", accountName)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
