// main.go - operator tool for the traffic dashboard
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trafficdash/internal"
	"trafficdash/internal/catalog"
	"trafficdash/internal/config"
	"trafficdash/internal/series"
	"trafficdash/internal/snapshots"
	"trafficdash/internal/timeframe"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

var errNoApp = errors.New("app initialization failed")

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&MigrateCommand{},
	&WarmCommand{},
	&SeriesCommand{},
	&AnnotateCommand{},
	&StatusCommand{},
	&HelpCommand{},
}

func main() {
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	var app *internal.Application
	if cmd.Name() != "help" {
		var err error
		app, err = internal.NewApp()
		if err != nil {
			log.Printf("Warning: Failed to initialize app: %v", err)
			// Let the command handle this situation
		}
	}

	defer func() {
		if app != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.Printf("Warning: Cleanup error: %v", err)
			}
			if err := app.Components.Store.Close(); err != nil {
				log.Printf("Warning: Cleanup error: %v", err)
			}
		}
	}()

	if err := cmd.Execute(ctx, app, args); err != nil {
		log.Fatalf("Command failed: %v", err)
	}

	log.Printf("Command %s completed successfully", cmd.Name())
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Creates the snapshot tables" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("%w, cannot run migrations", errNoApp)
	}

	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Println("Migrations completed successfully")
	return nil
}

// WarmCommand fills the cache for every family once
type WarmCommand struct{}

func (c *WarmCommand) Name() string { return "warm" }
func (c *WarmCommand) Description() string {
	return "Fetches and stores the current window of every family"
}

func (c *WarmCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return errNoApp
	}
	return app.Components.Scheduler.WarmUp()
}

// SeriesCommand prints the derived series of a family as JSON
type SeriesCommand struct{}

func (c *SeriesCommand) Name() string        { return "series" }
func (c *SeriesCommand) Description() string { return "Prints the derived series of a family" }

func (c *SeriesCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("series", flag.ContinueOnError)
	indent := fs.Bool("indent", true, "indent the JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s [-indent=false] <family>", c.Name())
	}
	if app == nil {
		return errNoApp
	}

	s, err := app.Components.Dashboard(config.GetConfig()).Build(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	if *indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(s)
}

// AnnotateCommand sets the description of a stored day
type AnnotateCommand struct{}

func (c *AnnotateCommand) Name() string        { return "annotate" }
func (c *AnnotateCommand) Description() string { return "Annotates the rows of a family on a date" }

func (c *AnnotateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: %s <family> <YYYY-MM-DD> <text>", c.Name())
	}
	if app == nil {
		return errNoApp
	}

	family, err := catalog.Default().Get(args[0])
	if err != nil {
		return err
	}
	if !family.IsDaily() {
		return fmt.Errorf("%w: %s", series.ErrNotDaily, family.ID)
	}
	date, err := timeframe.ParseDateKey(args[1])
	if err != nil {
		return err
	}
	text := strings.Join(args[2:], " ")

	var updated int64
	err = app.Components.Store.WithConn(ctx, func(sess snapshots.Session) error {
		updated, err = sess.Annotate(ctx, family, date, text)
		return err
	})
	if err != nil {
		return err
	}
	if updated == 0 {
		return fmt.Errorf("no %s rows stored for %s", family.ID, date)
	}

	log.Printf("Annotated %d %s rows on %s", updated, family.ID, date)
	return nil
}

// StatusCommand implements a command to show system status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows the current system status" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("cannot check status: %w", errNoApp)
	}

	if err := app.Components.Store.Ping(ctx); err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	cfg := config.GetConfig()
	log.Println("System Status:")
	log.Println("- Database: Connected")
	backend := "sqlite"
	if cfg.IsPostgres() {
		backend = "postgres"
	}
	log.Printf("- Backend: %s", backend)
	log.Printf("- Today: %s (%s)", app.Components.Builder.Today(), cfg.Timezone)
	for _, family := range catalog.Default().Daily() {
		log.Printf("- Table: %s", family.Table)
	}

	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage()
	return nil
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := flag.Args()
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: trafficctl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage()
	os.Exit(1)
}
