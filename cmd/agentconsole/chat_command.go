package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/chat"
	"github.com/ongoingai/agentconsole/internal/config"
)

const defaultTerminalWidth = 80

type markdownRenderer interface {
	Render(in string) (string, error)
}

// chatSession drives one terminal conversation. Streamed fragments are
// written as they arrive; whole replies go through the markdown renderer
// when one is set.
type chatSession struct {
	conversation *chat.Conversation
	out          io.Writer
	stream       bool
	renderer     markdownRenderer
	// notifyContext scopes interrupt handling to one reply.
	notifyContext func(ctx context.Context, signals ...os.Signal) (context.Context, context.CancelFunc)
}

func runChat(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("chat", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	token := flagSet.String("token", "", "Backend token (defaults to "+tokenEnv+")")
	secret := flagSet.String("secret", "", "Signing secret (defaults to backend.signing_secret)")
	noStream := flagSet.Bool("no-stream", false, "Wait for whole replies instead of streaming")
	raw := flagSet.Bool("raw", false, "Print replies without markdown rendering")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "chat does not accept positional arguments")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if strings.TrimSpace(*secret) == "" {
		*secret = cfg.Backend.SigningSecret
	}
	creds, err := commandCredentials(*token)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	_, client, err := newBackendClient(cfg, *secret, nil)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	session := &chatSession{
		out:           out,
		stream:        !*noStream,
		notifyContext: signal.NotifyContext,
	}
	if !*raw {
		session.renderer = newMarkdownRenderer(out)
	}
	session.conversation = chat.NewConversation(client, creds, chat.Options{
		OnDelta: func(_ uuid.UUID, delta string) {
			fmt.Fprint(out, delta)
		},
	})

	fmt.Fprintln(out, "Type a message. /reset clears the conversation, /exit quits. Ctrl-C stops a reply.")
	return session.loop(context.Background(), in, errOut)
}

func (s *chatSession) loop(ctx context.Context, in io.Reader, errOut io.Writer) int {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(s.out, "\n> ")
		if !scanner.Scan() {
			break
		}
		if quit := s.handleLine(ctx, scanner.Text()); quit {
			return 0
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(errOut, "failed to read input: %v\n", err)
		return 1
	}
	fmt.Fprintln(s.out)
	return 0
}

// handleLine runs one input line and reports whether the session should end.
func (s *chatSession) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	switch text {
	case "":
		return false
	case "/exit", "/quit":
		return true
	case "/reset":
		s.conversation.Reset()
		fmt.Fprintln(s.out, "conversation cleared")
		return false
	}

	sendCtx, stop := s.interruptContext(ctx)
	defer stop()

	msg, err := s.conversation.Send(sendCtx, text, s.stream)
	switch {
	case errors.Is(err, chat.ErrAborted):
		// An interrupted reply leaves no trace.
		fmt.Fprintln(s.out)
		return false
	case err != nil:
		fmt.Fprintf(s.out, "\n%s\n", chatErrorMessage(err))
		return false
	}

	if s.stream {
		fmt.Fprintln(s.out)
		return false
	}
	s.writeAnswer(msg)
	return false
}

func (s *chatSession) interruptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.notifyContext == nil {
		return context.WithCancel(ctx)
	}
	return s.notifyContext(ctx, os.Interrupt)
}

func (s *chatSession) writeAnswer(msg chat.Message) {
	if msg.Answer == nil {
		return
	}
	answer := *msg.Answer
	if s.renderer != nil {
		if rendered, err := s.renderer.Render(answer); err == nil {
			fmt.Fprint(s.out, rendered)
			return
		}
	}
	fmt.Fprintln(s.out, answer)
}

func chatErrorMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return "message is required"
	case errors.Is(err, chat.ErrBusy):
		return "a reply is already in progress"
	default:
		return backend.UserMessage(err)
	}
}

// newMarkdownRenderer returns nil when out is not a terminal so piped output
// stays plain.
func newMarkdownRenderer(out io.Writer) markdownRenderer {
	file, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return nil
	}
	width := defaultTerminalWidth
	if w, _, err := term.GetSize(int(file.Fd())); err == nil && w > 20 {
		width = w
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-10),
	)
	if err != nil {
		return nil
	}
	return renderer
}
