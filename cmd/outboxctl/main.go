// Command outboxctl is the operator CLI for the email outbox.
//
//	outboxctl dispatch [--config path] [--batch-size n]
//	outboxctl enqueue  --to addr --template name --payload json
//	outboxctl trigger  --url http://host:8080 --secret s
//	outboxctl stats    [--config path]
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/betterbobcats/email-outbox/internal/bootstrap"
	"github.com/betterbobcats/email-outbox/internal/config"
	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/pkg/httpretry"
)

const usage = `usage: outboxctl <command> [flags]

commands:
  dispatch   run one dispatcher pass against the database and print the result
  enqueue    validate a payload and insert a pending outbox row
  trigger    POST /send-emails on a running server
  stats      print row counts per status
`

var errUsage = errors.New("invalid usage")

// cli holds the injectable edges so commands can run against test doubles.
type cli struct {
	stdout io.Writer
	stderr io.Writer
	openDB func(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error)
	http   httpretry.HTTPDoer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{
		stdout: os.Stdout,
		stderr: os.Stderr,
		openDB: bootstrap.OpenDB,
		http:   &http.Client{Timeout: 10 * time.Minute},
	}
	if err := c.run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(c.stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.stderr, usage)
		return errUsage
	}
	switch args[0] {
	case "dispatch":
		return c.dispatch(ctx, args[1:])
	case "enqueue":
		return c.enqueue(ctx, args[1:])
	case "trigger":
		return c.trigger(ctx, args[1:])
	case "stats":
		return c.stats(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(c.stdout, usage)
		return nil
	default:
		fmt.Fprintf(c.stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}
}

func (c *cli) flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, err
	}
	if err := bootstrap.ConfigureLogger(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	fs := c.flagSet("dispatch")
	configPath := fs.StringP("config", "c", "", "Path to config file")
	batchSize := fs.Int("batch-size", 0, "Override dispatch batch size")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *batchSize > 0 {
		cfg.Dispatch.BatchSize = *batchSize
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := c.openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := bootstrap.NewOutboxRepo(db, cfg.Database)
	if err != nil {
		return err
	}
	d, err := bootstrap.NewDispatcher(ctx, cfg, repo, nil)
	if err != nil {
		return err
	}

	res, err := d.Run(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(res)
}

func (c *cli) enqueue(ctx context.Context, args []string) error {
	fs := c.flagSet("enqueue")
	configPath := fs.StringP("config", "c", "", "Path to config file")
	to := fs.String("to", "", "Recipient address")
	template := fs.StringP("template", "t", "", "Template name")
	payload := fs.StringP("payload", "p", "{}", "Template payload as JSON (prefix with @ to read a file)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*to) == "" || *template == "" {
		fmt.Fprintln(c.stderr, "enqueue: --to and --template are required")
		return errUsage
	}

	raw, err := readPayload(*payload)
	if err != nil {
		return err
	}

	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return err
	}

	// Render once so a bad row never reaches the table.
	renderer, err := bootstrap.NewRenderer(cfg.Templates)
	if err != nil {
		return err
	}
	if _, err := renderer.Render(domain.TemplateName(*template), raw); err != nil {
		if errors.Is(err, domain.ErrUnknownTemplate) {
			return fmt.Errorf("%w (known: %s)", err, joinTemplates(domain.KnownTemplates()))
		}
		return err
	}

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := c.openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := bootstrap.NewOutboxRepo(db, cfg.Database)
	if err != nil {
		return err
	}
	id, err := repo.Enqueue(ctx, strings.TrimSpace(*to), domain.TemplateName(*template), raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, id)
	return nil
}

func (c *cli) trigger(ctx context.Context, args []string) error {
	fs := c.flagSet("trigger")
	url := fs.String("url", "http://localhost:8080", "Base URL of the running server")
	secret := fs.String("secret", "", "Worker secret (defaults to SEND_EMAILS_SECRET)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *secret == "" {
		*secret = os.Getenv("SEND_EMAILS_SECRET")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*url, "/")+"/send-emails", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-worker-secret", *secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fmt.Fprintln(c.stdout, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trigger: server returned %d", resp.StatusCode)
	}
	return nil
}

func (c *cli) stats(ctx context.Context, args []string) error {
	fs := c.flagSet("stats")
	configPath := fs.StringP("config", "c", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := c.openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := bootstrap.NewOutboxRepo(db, cfg.Database)
	if err != nil {
		return err
	}
	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return err
	}
	stale, err := repo.CountStaleSending(ctx, cfg.Monitor.StaleAfter())
	if err != nil {
		return err
	}

	out := map[string]int{"stale_sending": stale}
	for _, s := range []domain.OutboxStatus{domain.OutboxPending, domain.OutboxSending, domain.OutboxSent, domain.OutboxFailed} {
		out[string(s)] = counts[s]
	}
	return c.printJSON(out)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readPayload(v string) (json.RawMessage, error) {
	data := []byte(v)
	if strings.HasPrefix(v, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(v, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidPayload)
	}
	return json.RawMessage(data), nil
}

func joinTemplates(names []domain.TemplateName) string {
	s := make([]string, len(names))
	for i, n := range names {
		s[i] = string(n)
	}
	sort.Strings(s)
	return strings.Join(s, ", ")
}
