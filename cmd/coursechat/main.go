package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"coursechat/internal/app"
	"coursechat/internal/config"
)

// shutdownTimeout bounds graceful shutdown after a signal
const shutdownTimeout = 30 * time.Second

// Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	configPath string
	seedPath   string
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("coursechat", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "path to a JSON config file (overrides COURSECHAT_CONFIG_FILE)")
	fs.StringVar(&opts.seedPath, "seed", "", "path to a JSON fixture of users and courses to upsert at startup")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	// STEP 1: Load configuration with precedence (file > env > defaults)
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 4: Optional fixture for local development
	if opts.seedPath != "" {
		if err := seed(ctx, application, opts.seedPath, out); err != nil {
			_ = application.Stop(context.Background())
			return err
		}
	}

	if err := application.StartServices(ctx); err != nil {
		_ = application.Stop(context.Background())
		return err
	}

	// STEP 5: Serve until a signal arrives or the listener fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(application.Serve)
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("Shutting down gracefully")

		// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return application.Stop(shutdownCtx)
	})
	return g.Wait()
}

// seed upserts the fixture and prints one session token per user
func seed(ctx context.Context, application *app.Application, path string, out io.Writer) error {
	data, err := app.LoadSeed(path)
	if err != nil {
		return err
	}
	tokens, err := application.Seed(ctx, data)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(tokens))
	for id := range tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	log.Printf("Seeded %d users and %d courses", len(data.Users), len(data.Courses))
	for _, id := range ids {
		fmt.Fprintf(out, "%s\t%s\n", id, tokens[id])
	}
	return nil
}
