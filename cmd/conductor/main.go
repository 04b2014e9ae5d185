// Command conductor sends a prompt, an embedding request or a named action
// to any configured model service.
//
//	conductor -service ollama "Why is the sky blue?"
//	conductor -action summarize < notes.txt
//	conductor -embed -service openai "first text" "second text"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/aschepis/backscratcher/conductor/agent"
	"github.com/aschepis/backscratcher/conductor/config"
	"github.com/aschepis/backscratcher/conductor/history"
	"github.com/aschepis/backscratcher/conductor/instrument"
	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
	conductorlogger "github.com/aschepis/backscratcher/conductor/logger"
	"github.com/aschepis/backscratcher/conductor/mcp"
	"github.com/aschepis/backscratcher/conductor/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	service     string
	model       string
	system      string
	action      string
	tools       string
	stream      bool
	preview     bool
	embed       bool
	dimensions  int
	jsonOutput  bool
	listActions bool
	ping        bool
	listHistory int
	noHistory   bool
	logFile     string
	pretty      bool
	timeout     time.Duration
}

func run() error {
	var o options
	flag.StringVar(&o.configPath, "config", config.GetConfigPath(), "Path to the YAML config file")
	flag.StringVar(&o.service, "service", "", "Service to use (anthropic, openai, ollama, openrouter, mock)")
	flag.StringVar(&o.model, "model", "", "Model override")
	flag.StringVar(&o.system, "system", "", "System instructions")
	flag.StringVar(&o.action, "action", "", "Run a configured action")
	flag.StringVar(&o.tools, "tools", "", "Comma-separated tool names or patterns to offer the model")
	flag.BoolVar(&o.stream, "stream", false, "Stream the reply as it is generated")
	flag.BoolVar(&o.preview, "preview", false, "Print the request that would be sent and exit")
	flag.BoolVar(&o.embed, "embed", false, "Embed each argument instead of prompting")
	flag.IntVar(&o.dimensions, "dimensions", 0, "Embedding dimensions (when the model supports it)")
	flag.BoolVar(&o.jsonOutput, "json", false, "Ask for a JSON object reply")
	flag.BoolVar(&o.listActions, "actions", false, "List configured actions and exit")
	flag.BoolVar(&o.ping, "ping", false, "Check that the service's server is reachable and exit")
	flag.IntVar(&o.listHistory, "history", 0, "List the N most recent recorded calls and exit")
	flag.BoolVar(&o.noHistory, "no-history", false, "Do not record this call")
	flag.StringVar(&o.logFile, "logfile", "", "Path to log file. If not set, logs go to stderr")
	flag.BoolVar(&o.pretty, "pretty", false, "Use pretty console logs (only valid when logfile is not set)")
	flag.DurationVar(&o.timeout, "timeout", 5*time.Minute, "Overall deadline")
	flag.Parse()

	if o.logFile != "" && o.pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}
	logger, closer, err := conductorlogger.New(conductorlogger.Options{File: o.logFile, Pretty: o.pretty})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closer.Close() //nolint:errcheck // nothing to do on log close failure

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, o.timeout)
	defer cancelTimeout()

	// ---------------------------
	// History
	// ---------------------------

	var store *history.Store
	if !cfg.History.Disabled && (!o.noHistory || o.listHistory > 0) {
		store, err = history.Open(cfg.History.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer store.Close() //nolint:errcheck // read-mostly database
	}
	if o.listHistory > 0 {
		if store == nil {
			return fmt.Errorf("history is disabled in the configuration")
		}
		return printHistory(ctx, store, uint64(o.listHistory))
	}

	// ---------------------------
	// Tools
	// ---------------------------

	reg := tools.NewRegistry(logger)
	if cfg.Workspace != "" {
		if err := (tools.Workspace{Root: cfg.Workspace}).Register(reg); err != nil {
			return fmt.Errorf("failed to register workspace tools: %w", err)
		}
	}
	mounted := mcp.Mount(ctx, reg, cfg.MCPServers, logger)
	defer mounted.Close() //nolint:errcheck // servers exit with the process

	// ---------------------------
	// Runner
	// ---------------------------

	notifier, err := newNotifier(logger)
	if err != nil {
		return err
	}
	runnerOpts := []agent.Option{agent.WithTools(reg), agent.WithEngineOptions(provider.WithNotifier(notifier))}
	if store != nil && !o.noHistory {
		runnerOpts = append(runnerOpts, agent.WithHistory(store))
	}
	runner := agent.NewRunner(cfg, logger, runnerOpts...)
	dispatcher, err := runner.Dispatcher()
	if err != nil {
		return err
	}

	if o.listActions {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, a := range dispatcher.Actions() {
			fmt.Fprintf(w, "%s\t%s\n", a.Name, a.Description)
		}
		return w.Flush()
	}

	if o.ping {
		return ping(ctx, runner, cfg, o)
	}
	if o.embed {
		return embed(ctx, runner, o, flag.Args())
	}

	text, err := promptText(flag.Args())
	if err != nil {
		return err
	}
	in := agent.Input{Text: text}
	if o.stream {
		in.Stream = func(_ *llm.Message, delta string, phase llm.StreamPhase) {
			switch phase {
			case llm.StreamPhaseUpdate:
				fmt.Print(delta)
			case llm.StreamPhaseClose:
				fmt.Println()
			}
		}
	}

	if o.action != "" {
		if o.preview {
			a, ok := cfg.Actions[o.action]
			if !ok {
				return fmt.Errorf("%w: %q", agent.ErrActionNotFound, o.action)
			}
			return preview(runner, a, in)
		}
		resp, err := dispatcher.Dispatch(ctx, o.action, in)
		return report(resp, err, o.stream, logger)
	}

	a := adHocAction(cfg, o)
	if o.preview {
		return preview(runner, a, in)
	}
	resp, err := runner.Run(ctx, a, in)
	return report(resp, err, o.stream, logger)
}

// adHocPreference is the service and model picked by -service and -model.
// A model given alone applies to the default service.
func adHocPreference(cfg *config.Config, o options) config.LLMPreference {
	service := o.service
	if service == "" {
		service = cfg.DefaultService
	}
	return config.LLMPreference{Service: service, Model: o.model}
}

// adHocAction turns the command-line flags into an action.
func adHocAction(cfg *config.Config, o options) *config.ActionConfig {
	a := &config.ActionConfig{Instructions: o.system}
	if o.service != "" || o.model != "" {
		a.LLM = []config.LLMPreference{adHocPreference(cfg, o)}
	}
	if o.tools != "" {
		for _, t := range strings.Split(o.tools, ",") {
			if t = strings.TrimSpace(t); t != "" {
				a.Tools = append(a.Tools, t)
			}
		}
	}
	if o.jsonOutput {
		a.ResponseFormat = &llm.ResponseFormat{Type: llm.ResponseFormatJSONObject}
	}
	return a
}

func newNotifier(logger zerolog.Logger) (*instrument.Notifier, error) {
	metrics, err := instrument.NewMetricsSubscriber(otel.Meter("conductor"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics subscriber: %w", err)
	}
	return instrument.NewNotifier(
		instrument.NewLogSubscriber(logger),
		instrument.NewTraceSubscriber(otel.Tracer("conductor")),
		metrics,
	), nil
}

// promptText joins the arguments, or reads stdin when there are none.
func promptText(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("no prompt given")
	}
	return text, nil
}

func preview(runner *agent.Runner, a *config.ActionConfig, in agent.Input) error {
	out, err := runner.Preview(a, in)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func report(resp *llm.PromptResponse, err error, streamed bool, logger zerolog.Logger) error {
	if err != nil {
		if errors.Is(err, agent.ErrActionNotFound) {
			return fmt.Errorf("%w (use -actions to list them)", err)
		}
		return err
	}
	if !streamed {
		fmt.Println(resp.Message().Text())
	}
	usage := resp.Usage()
	logger.Info().
		Str("finish_reason", resp.FinishReason).
		Int("rounds", len(resp.UsageStack)).
		Int64("prompt_tokens", usage.PromptTokens).
		Int64("completion_tokens", usage.CompletionTokens).
		Msg("Prompt complete")
	return nil
}

func embed(ctx context.Context, runner *agent.Runner, o options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("nothing to embed")
	}
	service := o.service
	if service == "" {
		pref, err := runner.Resolve(nil)
		if err != nil {
			return err
		}
		service = pref.Service
	}
	resp, err := runner.Embed(ctx, service, o.model, args, o.dimensions)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(resp.Data)
}

// ping checks the server behind the selected service, for adapters that
// support it.
func ping(ctx context.Context, runner *agent.Runner, cfg *config.Config, o options) error {
	pref := adHocPreference(cfg, o)
	engine, sc, err := runner.Engine(pref.Service, pref.Model)
	if err != nil {
		return err
	}
	p, ok := engine.Adapter().(provider.Pinger)
	if !ok {
		return fmt.Errorf("%s does not support ping", sc.Service)
	}
	version, err := p.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", sc.Service, version)
	return nil
}

func printHistory(ctx context.Context, store *history.Store, limit uint64) error {
	calls, err := store.List(ctx, history.Filter{Limit: limit})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tKIND\tSERVICE\tMODEL\tROUNDS\tTOKENS\tTRACE")
	for _, c := range calls {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			c.ID, c.CreatedAt.Format(time.DateTime), c.Kind, c.Service, c.Model, c.Rounds, c.Usage.TotalTokens, c.TraceID)
	}
	return w.Flush()
}
