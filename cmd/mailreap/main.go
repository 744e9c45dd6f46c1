// Command mailreap archives a single IMAP mailbox to a local directory
// of .eml files, then optionally packages the result as a
// checksummed ZIP. See internal/orchestrator for the concurrent fetch
// engine this command drives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/haldorsen/mailreap/internal/archive"
	"github.com/haldorsen/mailreap/internal/buildinfo"
	"github.com/haldorsen/mailreap/internal/config"
	"github.com/haldorsen/mailreap/internal/discover"
	"github.com/haldorsen/mailreap/internal/model"
	"github.com/haldorsen/mailreap/internal/orchestrator"
	"github.com/haldorsen/mailreap/internal/pool"
	"github.com/haldorsen/mailreap/internal/prompt"
	"github.com/haldorsen/mailreap/internal/session"
)

// gmailAppPasswordURL is where a Gmail account holder generates an App
// Password, since a plain account password never authenticates IMAP.
const gmailAppPasswordURL = "https://myaccount.google.com/apppasswords"

func main() {
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "mailreap",
		Short: "Archive a single IMAP mailbox to local .eml files",
	}
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(buildinfo.String())
			os.Exit(0)
		}
	}

	addFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cliOptions mirrors spec.md §6's CLI surface; cobra fills it, and
// applyFlags overlays it onto a config.Config loaded from the
// environment.
type cliOptions struct {
	email      string
	password   string
	days       int
	startDate  string
	endDate    string
	outputDir  string
	threads    int
	maxRetries int
	batch      bool
	server     string
	port       int
	noSSL      bool
	schedule   string
}

func addFlags(cmd *cobra.Command) {
	o := &cliOptions{}
	cmd.Flags().StringVar(&o.email, "email", "", "Account email address")
	cmd.Flags().StringVar(&o.password, "password", "", "Account password or app password (prompted if omitted)")
	cmd.Flags().IntVar(&o.days, "days", 0, "Archive messages from the last N days (mutually exclusive with --start-date)")
	cmd.Flags().StringVar(&o.startDate, "start-date", "", "Lower date bound, YYYY-MM-DD (mutually exclusive with --days)")
	cmd.Flags().StringVar(&o.endDate, "end-date", "", "Upper date bound, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.outputDir, "output-dir", "", "Root directory for the run directory")
	cmd.Flags().IntVar(&o.threads, "threads", 0, "Download worker count")
	cmd.Flags().IntVar(&o.maxRetries, "max-retries", -1, "Automatic retry rounds for failed messages")
	cmd.Flags().BoolVar(&o.batch, "batch", false, "No interactive prompts; default to \"no\" on optional steps")
	cmd.Flags().StringVar(&o.server, "server", "", "Override endpoint discovery with this IMAP host")
	cmd.Flags().IntVar(&o.port, "port", 0, "Override the IMAP port")
	cmd.Flags().BoolVar(&o.noSSL, "nossl", false, "Connect without implicit TLS")
	cmd.Flags().StringVar(&o.schedule, "schedule", "", "Cron schedule to run repeatedly instead of once")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runWithOptions(cmd, o)
	}
}

func applyFlags(cfg *config.Config, o *cliOptions) {
	if o.email != "" {
		cfg.Email = o.email
	}
	if o.password != "" {
		cfg.Password = o.password
	}
	if o.days > 0 {
		cfg.Days = o.days
	}
	if o.startDate != "" {
		cfg.StartDate = o.startDate
	}
	if o.endDate != "" {
		cfg.EndDate = o.endDate
	}
	if o.outputDir != "" {
		cfg.BackupDir = o.outputDir
	}
	if o.threads > 0 {
		cfg.MaxWorkers = o.threads
	}
	if o.maxRetries >= 0 {
		cfg.MaxRetries = o.maxRetries
	}
	if o.batch {
		cfg.Batch = true
	}
	if o.server != "" {
		cfg.ImapServer = o.server
	}
	if o.port > 0 {
		cfg.ImapPort = o.port
	}
	if o.noSSL {
		cfg.NoSSL = true
	}
	if o.schedule != "" {
		cfg.Schedule = o.schedule
	}
}

func runWithOptions(cmd *cobra.Command, o *cliOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(&cfg, o)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Email == "" {
		return fmt.Errorf("--email is required")
	}
	if cfg.Days > 0 && cfg.StartDate != "" {
		return fmt.Errorf("--days and --start-date are mutually exclusive")
	}
	if cfg.Password == "" && !cfg.UseOAuth2() {
		if cfg.Batch {
			return fmt.Errorf("--password is required in --batch mode")
		}
		pw, err := prompt.Password(fmt.Sprintf("Password for %s: ", cfg.Email), os.Stdin)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		cfg.Password = pw
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Schedule == "" {
		return runOnce(ctx, cfg)
	}
	return runScheduled(ctx, cfg)
}

func runOnce(ctx context.Context, cfg config.Config) error {
	summary, err := archiveOnce(ctx, cfg)
	if err != nil && errors.Is(err, model.ErrDiscoveryFailed) && !cfg.Batch {
		summary, err = recoverFromDiscoveryFailure(ctx, cfg, err)
	}
	if err != nil {
		return err
	}
	if summary.Status == model.StatusCompleted && cfg.Archive {
		if err := packageRun(summary.RunDirectory); err != nil {
			logrus.WithError(err).Warn("post-run packaging failed")
		}
	}
	printSummary(summary)
	return nil
}

// recoverFromDiscoveryFailure implements the two UX steps
// original_source/email_downloader.py takes when every discovered
// candidate rejects the login (lines 136-156): point a Gmail user at App
// Passwords, then offer to retry once against a manually typed host. It
// is skipped entirely in --batch mode, where there is no one to prompt.
func recoverFromDiscoveryFailure(ctx context.Context, cfg config.Config, origErr error) (model.RunSummary, error) {
	domain := cfg.Domain()
	if domain == "gmail.com" || domain == "googlemail.com" {
		fmt.Println(strings.Repeat("=", 60))
		fmt.Println("GMAIL ALERT: Authentication failed.")
		fmt.Println("To use this software with Gmail, you MUST use an 'App Password'.")
		fmt.Println("Your normal Google password will NOT work.")
		fmt.Println("Opening instructions in browser...")
		fmt.Println(strings.Repeat("=", 60))
		if err := browser.OpenURL(gmailAppPasswordURL); err != nil {
			fmt.Printf("Visit: %s\n", gmailAppPasswordURL)
		}
	}

	host, err := prompt.ReadLine("Do you want to enter the server manually? (Type address or Enter to exit): ", os.Stdin)
	if err != nil || host == "" {
		return model.RunSummary{}, origErr
	}

	cfg.ImapServer = host
	return archiveOnce(ctx, cfg)
}

func runScheduled(ctx context.Context, cfg config.Config) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid --schedule: %w", err)
	}
	logrus.Infof("first scheduled run at %s", sched.Next(time.Now()).Format(time.RFC1123))

	var running atomic.Bool
	fire := func() {
		if !running.CompareAndSwap(false, true) {
			logrus.Info("previous run still in progress, skipping this tick")
			return
		}
		defer running.Store(false)
		if err := runOnce(ctx, cfg); err != nil {
			logrus.WithError(err).Error("scheduled run failed")
		}
	}

	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(cfg.Schedule, fire); err != nil {
		return fmt.Errorf("schedule run: %w", err)
	}
	c.Start()
	defer c.Stop()

	go fire()

	<-ctx.Done()
	logrus.Info("shutting down scheduler")
	return nil
}

// archiveOnce wires a fresh Discoverer, session factory, and
// Orchestrator for one pass and runs it to completion or cancellation.
func archiveOnce(ctx context.Context, cfg config.Config) (model.RunSummary, error) {
	log := logrus.NewEntry(logrus.StandardLogger())

	creds := model.Credentials{
		Address: cfg.Email,
		Secret:  cfg.Password,
		Domain:  cfg.Domain(),
	}
	if cfg.UseOAuth2() {
		token, err := loadOAuth2Token(ctx, cfg)
		if err != nil {
			return model.RunSummary{}, fmt.Errorf("load oauth2 token (run mailreap-authenticate first): %w", err)
		}
		creds.OAuth2Token = token
	}

	port := uint16(cfg.ImapPort)
	ssl := !cfg.NoSSL

	newSession := func() session.Ops { return session.New(log) }
	disc := discover.New(newSession, log, discover.WithPort(port, ssl))

	orch := orchestrator.New(cfg, creds, disc, pool.Factory(newSession), log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		orch.Cancel()
	}()

	return orch.Run(runCtx)
}

// loadOAuth2Token reads the token cached by mailreap-authenticate and
// refreshes it if expired, mirroring the teacher's cmd/authenticate
// token-cache format so both binaries share ~/.config/mailreap/token.json.
func loadOAuth2Token(ctx context.Context, cfg config.Config) (*oauth2.Token, error) {
	data, err := os.ReadFile(cfg.OAuth2TokenFile)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"https://mail.google.com/"},
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://localhost",
	}
	return conf.TokenSource(ctx, &tok).Token()
}

func packageRun(runDir string) error {
	zipPath := runDir + ".zip"
	if err := archive.CreateZip(runDir, zipPath); err != nil {
		return fmt.Errorf("create zip: %w", err)
	}
	info, err := os.Stat(zipPath)
	if err != nil {
		return err
	}
	sum, err := archive.SHA1(zipPath)
	if err != nil {
		return fmt.Errorf("sha1: %w", err)
	}
	checksumPath := zipPath + ".sha1.txt"
	return archive.WriteChecksumFile(checksumPath, filepath.Base(zipPath), info.Size(), sum, "ok")
}

func printSummary(s model.RunSummary) {
	fmt.Printf("Status: %s\n", s.Status)
	fmt.Printf("Downloaded: %d  Skipped: %d  Failed: %d  Remaining: %d\n", s.Downloaded, s.Skipped, len(s.Failed), s.Remaining)
	fmt.Printf("Duration: %s  Speed: %.0f/hr\n", s.Duration.Round(time.Second), s.SpeedPerHour)
	fmt.Printf("Endpoint: %s:%d\n", s.Endpoint.Host, s.Endpoint.Port)
	fmt.Printf("Run directory: %s\n", s.RunDirectory)
}
