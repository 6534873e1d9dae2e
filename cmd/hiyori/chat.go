package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/hiyori/internal/app"
	"github.com/MrWong99/hiyori/internal/chat"
	"github.com/MrWong99/hiyori/internal/config"
	"github.com/MrWong99/hiyori/internal/conversation"
	"github.com/MrWong99/hiyori/pkg/types"
)

var chatMute bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with Hiyori in the terminal",
	Long: `Start an interactive chat. Replies stream in as they are generated and
are spoken unless --mute is set. Conversations are stored like in serve.

Commands:
  /new              start a new conversation
  /personas         list personas
  /persona <name>   switch persona
  /stop             stop the current reply
  /quit             leave`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatMute, "mute", false, "do not speak replies")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logLevel.Set(slogLevel(config.LogWarn))
	if chatMute {
		cfg.Speech.Backend = config.SpeechNone
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, providers)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	}()

	out := cmd.OutOrStdout()
	printer := &replyPrinter{w: out}
	unsubscribe := a.Store().Subscribe(printer.onState)
	defer unsubscribe()

	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("Hiyori"), dateStyle.Render("persona: "+a.Chat().ActivePersona().Name))
	return chatLoop(ctx, cmd.InOrStdin(), out, a.Chat(), printer)
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, svc *chat.Service, printer *replyPrinter) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Fprint(out, userStyle.Render("你")+" › ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			svc.NewSession()
			fmt.Fprintln(out, dateStyle.Render("新对话"))
			continue
		case line == "/stop":
			svc.Stop()
			continue
		case line == "/personas":
			active := svc.ActivePersona().Name
			for _, p := range svc.Personas() {
				marker := " "
				if p.Name == active {
					marker = "*"
				}
				fmt.Fprintf(out, " %s %s %s\n", marker, labelStyle.Render(p.Name), dateStyle.Render(p.Description))
			}
			continue
		case strings.HasPrefix(line, "/persona "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/persona "))
			if err := svc.SelectPersona(name); err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
			}
			continue
		}

		printer.begin()
		err := svc.Submit(ctx, line)
		printer.end()
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
		}
	}
}

// replyPrinter writes the streaming assistant message as it grows.
type replyPrinter struct {
	w io.Writer

	mu      sync.Mutex
	active  bool
	msgID   string
	printed string
}

func (p *replyPrinter) begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.msgID = ""
	p.printed = ""
}

func (p *replyPrinter) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgID != "" {
		fmt.Fprintln(p.w)
	}
	p.active = false
}

// onState is a store subscriber. It runs under the store lock and only
// writes to p.w.
func (p *replyPrinter) onState(st conversation.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || len(st.ActiveMessages) == 0 {
		return
	}
	last := st.ActiveMessages[len(st.ActiveMessages)-1]
	if last.Role != types.RoleAssistant {
		return
	}
	if p.msgID != last.ID {
		p.msgID = last.ID
		p.printed = ""
		fmt.Fprint(p.w, assistantStyle.Render("日和")+" › ")
	}
	switch {
	case last.Content == p.printed:
	case strings.HasPrefix(last.Content, p.printed):
		fmt.Fprint(p.w, last.Content[len(p.printed):])
	default:
		// Replaced, e.g. by the failure notice.
		fmt.Fprint(p.w, "\n"+errorStyle.Render(last.Content))
	}
	p.printed = last.Content
}
