package cli

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/stevegt/aidebug"
	"github.com/stevegt/aidebug/logwatch"
	"github.com/stevegt/aidebug/server"
	"github.com/stevegt/envi"
	. "github.com/stevegt/goadapt"
)

type cmdConfigSet struct {
	Endpoint   string `help:"URL of the chat completions endpoint."`
	APIKey     string `name:"api-key" help:"Bearer token for the endpoint."`
	Model      string `help:"Model name, e.g. gpt-3.5-turbo."`
	Background string `help:"Background information sent as the system message."`
}

type cmdConfigShow struct{}

type cmdConfigReset struct{}

type cmdConfig struct {
	Reset cmdConfigReset `cmd:"" help:"Clear all settings."`
	Set   cmdConfigSet   `cmd:"" help:"Change one or more settings.  Unset flags keep their current values."`
	Show  cmdConfigShow  `cmd:"" help:"Show the current settings."`
}

// cmdExplain sends one error to the model.  The detail text comes from
// --detail, or from stdin when --detail is not given.
type cmdExplain struct {
	Message string `arg:"" help:"The error message."`
	Detail  string `short:"d" help:"Stack trace or other detail.  Read from stdin if not given."`
}

type cmdTc struct{}

type cmdWatch struct {
	Logfile   string `arg:"" help:"Editor log file to follow."`
	Explain   bool   `short:"e" help:"Explain each captured error as it appears."`
	FromStart bool   `help:"Process errors already in the log instead of starting at its end."`
}

type cmdServe struct {
	Addr string `default:"127.0.0.1:8765" help:"Address to listen on."`
}

type cmdVersion struct{}

type cliArgs struct {
	Config  cmdConfig     `cmd:"" help:"Show or change the chat endpoint settings."`
	DB      string        `name:"db" default:"${dbpath}" help:"Settings file (env AIDEBUG_DB)."`
	Explain cmdExplain    `cmd:"" help:"Explain an error message and print the reply on stdout."`
	Serve   cmdServe      `cmd:"" help:"Serve the error log and explanations over HTTP and WebSocket."`
	Tc      cmdTc         `cmd:"" help:"Calculate the token count of stdin."`
	Timeout time.Duration `help:"Give up on a chat request after this long.  Zero means no limit."`
	Verbose bool          `short:"v" help:"Show debug information on stderr."`
	Version cmdVersion    `cmd:"" help:"Show version of aidebug."`
	Watch   cmdWatch      `cmd:"" help:"Follow an editor log and capture the errors written to it."`
}

// CliConfig contains the configuration for aidebug's cli
type CliConfig struct {
	// Name is the name of the program
	Name string
	// Description is a short description of the program
	Description string
	// Version is the version of the program
	Version string
	// DBPath is the default settings file
	DBPath string
	// Exit is the function to call to exit the program
	Exit   func(int)
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewCliConfig returns a new CliConfig with default values populated.
func NewCliConfig() *CliConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &CliConfig{
		Name:        "aidebug",
		Description: "Explain game engine errors using an OpenAI-compatible chat endpoint.",
		Version:     aidebug.Version,
		DBPath:      envi.String("AIDEBUG_DB", filepath.Join(home, ".aidebug.db")),
		Exit:        func(i int) { os.Exit(i) },
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// Cli parses the given arguments and then executes the appropriate
// subcommand.
func Cli(args []string, config *CliConfig) (rc int, err error) {
	defer Return(&err)

	// capture goadapt stdio
	SetStdio(
		config.Stdin,
		config.Stdout,
		config.Stderr,
	)
	defer SetStdio(nil, nil, nil)

	var cli cliArgs
	options := []kong.Option{
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
		kong.Vars{
			"version": config.Version,
			"dbpath":  config.DBPath,
		},
	}

	parser, err := kong.New(&cli, options...)
	Ck(err)
	ctx, err := parser.Parse(args)
	if err != nil {
		parser.FatalIfErrorf(err)
		return 1, nil
	}

	if cli.Verbose {
		os.Setenv("DEBUG", "1")
	}

	cmd := ctx.Command()
	Debug("cmd: %s", cmd)

	switch cmd {
	case "tc":
		buf, err := io.ReadAll(config.Stdin)
		Ck(err)
		count, err := aidebug.TokenCount(string(buf))
		Ck(err)
		Pl(count)
		return 0, nil
	case "version":
		Pl(config.Name, config.Version)
		return 0, nil
	}

	settings, err := aidebug.OpenSettings(cli.DB)
	Ck(err)
	defer settings.Close()
	if migrated, was, backpath := settings.Migrated(); migrated {
		Fpf(config.Stderr, "migrated settings from version %s to %s\n", was, aidebug.Version)
		Fpf(config.Stderr, "backup of old settings saved to %s\n", backpath)
	}
	cfg, err := settings.Load()
	Ck(err)

	switch cmd {
	case "config set":
		set := cli.Config.Set
		if set.Endpoint != "" {
			cfg.Endpoint = set.Endpoint
		}
		if set.APIKey != "" {
			cfg.APIKey = set.APIKey
		}
		if set.Model != "" {
			cfg.Model = set.Model
		}
		if set.Background != "" {
			cfg.Background = set.Background
		}
		err = settings.Save(cfg)
		Ck(err)
		showConfig(config.Stdout, cfg)
	case "config show":
		showConfig(config.Stdout, cfg)
	case "config reset":
		err = settings.Reset()
		Ck(err)
		showConfig(config.Stdout, aidebug.Config{})
	case "explain <message>":
		detail := cli.Explain.Detail
		if detail == "" {
			buf, err := io.ReadAll(config.Stdin)
			Ck(err)
			detail = strings.TrimSpace(string(buf))
		}
		c := aidebug.NewClient(cfg, nil, aidebug.WithStderr(config.Stderr))
		reqCtx, cancel := withTimeout(context.Background(), cli.Timeout)
		defer cancel()
		reply, err := c.ExplainError(reqCtx, cli.Explain.Message, detail)
		if err != nil {
			report(config.Stderr, err)
			return 1, nil
		}
		Fpf(config.Stdout, "%s\n", reply)
	case "watch <logfile>":
		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = watch(sigCtx, config, cfg, cli.Watch, cli.Timeout)
		Ck(err)
	case "serve":
		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = serve(sigCtx, config, settings, cfg, cli.Serve.Addr)
		Ck(err)
	default:
		Fpf(config.Stderr, "Error: unrecognized command: %s\n", cmd)
		rc = 1
	}
	return
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func showConfig(w io.Writer, cfg aidebug.Config) {
	key := "(not set)"
	if cfg.APIKey != "" {
		key = "(set)"
	}
	label := color.New(color.FgCyan).SprintFunc()
	Fpf(w, "%s %s\n", label("endpoint:  "), cfg.Endpoint)
	Fpf(w, "%s %s\n", label("api key:   "), key)
	Fpf(w, "%s %s\n", label("model:     "), cfg.Model)
	Fpf(w, "%s %s\n", label("background:"), cfg.Background)
}

// report describes a chat failure on w.
func report(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	var httpErr *aidebug.HTTPStatusError
	var netErr *aidebug.NetworkError
	var decErr *aidebug.DecodeError
	switch {
	case errors.As(err, &httpErr):
		Fpf(w, "%s endpoint returned %d: %s\n", red("Error:"), httpErr.Code, httpErr.Message)
	case errors.As(err, &netErr):
		Fpf(w, "%s could not reach endpoint: %v\n", red("Error:"), netErr.Err)
	case errors.As(err, &decErr):
		Fpf(w, "%s unreadable reply: %v\n", red("Error:"), decErr.Err)
	default:
		Fpf(w, "%s %v\n", red("Error:"), err)
	}
}

// watch follows a log file, capturing errors until ctx is done.
func watch(ctx context.Context, config *CliConfig, cfg aidebug.Config, args cmdWatch, timeout time.Duration) (err error) {
	defer Return(&err)
	var mu sync.Mutex
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	client := aidebug.NewClient(cfg, nil, aidebug.WithStderr(config.Stderr))
	d := aidebug.NewDebugger(aidebug.NewErrorLog(), client, func(e aidebug.Entry) {
		mu.Lock()
		defer mu.Unlock()
		if e.State == aidebug.StateFailed {
			Fpf(config.Stderr, "%s %s: %s\n", red("explain failed"), e.Message, e.Failure)
			return
		}
		Fpf(config.Stdout, "%s %s\n%s\n\n", green("explanation:"), e.Message, e.Explanation)
	})

	w := logwatch.NewWatcher(args.Logfile, args.FromStart, func(b logwatch.Block) {
		e, ok := d.Errors().Capture(b.Message, b.Detail, b.Type)
		if !ok {
			return
		}
		mu.Lock()
		Fpf(config.Stdout, "%s %s\n", red(e.Type+":"), e.Message)
		mu.Unlock()
		if args.Explain {
			// each explanation gets its own deadline
			reqCtx, cancel := withTimeout(ctx, timeout)
			task, err := d.ExplainAsync(reqCtx, e.ID)
			if err != nil {
				cancel()
				return
			}
			go func() {
				<-task.Done()
				cancel()
			}()
		}
	})
	Fpf(config.Stderr, "watching %s\n", args.Logfile)
	err = w.Run(ctx)
	Ck(err)
	return
}

// serve runs the HTTP service until ctx is done.
func serve(ctx context.Context, config *CliConfig, settings *aidebug.Settings, cfg aidebug.Config, addr string) (err error) {
	defer Return(&err)
	client := aidebug.NewClient(cfg, nil, aidebug.WithStderr(config.Stderr))
	d := aidebug.NewDebugger(aidebug.NewErrorLog(), client, nil)
	srv := server.New(ctx, d, settings)

	hs := &http.Server{Addr: addr, Handler: srv.Handler()}
	errc := make(chan error, 1)
	go func() {
		errc <- hs.ListenAndServe()
	}()
	Fpf(config.Stderr, "listening on %s\n", addr)

	select {
	case err = <-errc:
		Ck(err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = hs.Shutdown(shutCtx)
		Ck(err)
	}
	return
}
