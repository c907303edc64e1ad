package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/conduit/internal/agent"
	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/llm"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the model, with plugin tools available",
	Long: `Start an interactive conversation with the model configured in the chat
section. Every enabled plugin is started first; the model may call their
tools and the configured specialist agents while answering.

Lines starting with / are commands:
  /tools    list the tools the model can call
  /plugins  show plugin state
  /reset    forget the conversation
  /exit     quit (Ctrl+D works too)

The API key comes from chat.api_key, falling back to $OPENAI_API_KEY.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

var (
	chatModel     string
	chatNoPlugins bool
)

func init() {
	chatCmd.Flags().StringVar(&chatModel, "model", "", "override chat.model")
	chatCmd.Flags().BoolVar(&chatNoPlugins, "no-plugins", false, "do not start plugins")
	addTracingFlags(chatCmd)

	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	errOut := &lockedWriter{w: cmd.ErrOrStderr()}

	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background()) //nolint:errcheck

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	if !chatNoPlugins {
		if err := a.startPlugins(ctx); err != nil {
			fmt.Fprintf(errOut, "warning: %s\n", summary(err)) //nolint:errcheck
		}
	}
	if _, err := a.registerDelegates(); err != nil {
		return err
	}

	model := newChatModel(a.cfg.Chat)
	orch := agent.New(agent.Options{
		Model:        model,
		Tools:        a.tools,
		Bus:          a.bus,
		Logger:       a.log,
		Metrics:      a.metrics.Metrics,
		ModelName:    model.Model(),
		SystemPrompt: a.cfg.Chat.SystemPrompt,
		Temperature:  a.cfg.Chat.Temperature,
		MaxTokens:    a.cfg.Chat.MaxTokens,
		MaxHistory:   a.cfg.Chat.MaxHistory,
	})

	sub := a.bus.Subscribe(events.DefaultBuffer)
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		showToolActivity(errOut, sub)
	}()
	defer func() {
		sub.Close()
		<-statusDone
	}()

	fmt.Fprintf(out, "Chatting with %s, %d tools available. /exit to quit.\n", model.Model(), a.tools.Len()) //nolint:errcheck
	return chatLoop(ctx, cmd.InOrStdin(), out, errOut, orch, a)
}

func newChatModel(cfg config.ChatConfig) *llm.OpenAI {
	key := cfg.ResolvedAPIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	name := cfg.Model
	if chatModel != "" {
		name = chatModel
	}
	return llm.NewOpenAI(llm.Options{BaseURL: cfg.APIBase, APIKey: key, Model: name})
}

// chatLoop reads one user message per line until EOF, /exit or ctx is done.
func chatLoop(ctx context.Context, in io.Reader, out, errOut io.Writer, orch *agent.Orchestrator, a *app) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for {
		fmt.Fprint(out, "> ") //nolint:errcheck
		if !scanner.Scan() {
			fmt.Fprintln(out) //nolint:errcheck
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			if err := orch.Reset(); err != nil {
				fmt.Fprintf(errOut, "error: %s\n", summary(err)) //nolint:errcheck
				continue
			}
			fmt.Fprintln(out, "Conversation cleared.") //nolint:errcheck
			continue
		case "/tools":
			if err := printTools(out, a.tools.Entries()); err != nil {
				return err
			}
			continue
		case "/plugins":
			if err := printPlugins(out, a.plugins.List(), true); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(errOut, "unknown command %s; try /tools, /plugins, /reset or /exit\n", line) //nolint:errcheck
			continue
		}

		chunks, err := orch.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(errOut, "error: %s\n", summary(err)) //nolint:errcheck
			continue
		}
		for chunk := range chunks {
			if chunk.Err != nil {
				fmt.Fprintf(errOut, "\nerror: %s\n", summary(chunk.Err)) //nolint:errcheck
				continue
			}
			fmt.Fprint(out, chunk.Delta) //nolint:errcheck
		}
		fmt.Fprintln(out) //nolint:errcheck

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// showToolActivity prints a line whenever the agent runs a tool.
func showToolActivity(w io.Writer, sub *events.Subscription) {
	for e := range sub.C {
		if e.Kind == events.KindAgentStatus && e.Agent == events.AgentExecutingTool {
			fmt.Fprintf(w, "  [calling %s]\n", e.Tool) //nolint:errcheck
		}
	}
}

// lockedWriter serializes writes from the REPL and the activity printer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
