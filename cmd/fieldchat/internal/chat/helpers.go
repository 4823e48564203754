package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal"
	fchat "github.com/tinyland-inc/fieldchat/pkg/chat"
	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
	"github.com/tinyland-inc/fieldchat/pkg/publisher"
)

var errConnectionLost = errors.New("connection to chat server lost; run the command again to reconnect")

const helpText = `Commands:
  /more          load earlier messages
  /delete <id>   delete one of your messages
  /quit          leave the conversation`

func chatCmd(conversationID int64, debug bool) error {
	client, _, err := internal.NewClient(debug)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("chat unavailable: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Close(shutdownCtx)
	}()

	out := newPrinter(os.Stdout, client.UserID())
	cv, err := client.OpenConversation(ctx, conversationID, out.show)
	if err != nil {
		return fmt.Errorf("error opening conversation %d: %w", conversationID, err)
	}
	defer cv.Close()

	out.show(cv.Messages())
	fmt.Printf("%s Conversation %d (/help for commands, Ctrl+C to exit)\n\n", internal.Logo, conversationID)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".fieldchat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("error initializing readline: %w", err)
	}
	defer rl.Close()
	// Live messages go through readline so the prompt is redrawn.
	out.setWriter(rl.Stdout())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return inputLoop(gctx, rl, client, cv)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-cv.Done():
			if gctx.Err() != nil {
				return nil
			}
			return errConnectionLost
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		rl.Close()
		return nil
	})

	err = g.Wait()
	fmt.Println("Goodbye!")
	return err
}

func inputLoop(ctx context.Context, rl *readline.Instance, client *fchat.Client, cv *fchat.ConversationView) error {
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("error reading input: %w", err)
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "/quit" || input == "/exit":
			return nil
		case input == "/help":
			fmt.Fprintln(rl.Stdout(), helpText)
		case input == "/more":
			more, err := cv.LoadMore(ctx)
			if err != nil {
				fmt.Fprintf(rl.Stdout(), "Could not load history: %v\n", err)
				continue
			}
			if !more {
				fmt.Fprintln(rl.Stdout(), "(start of conversation)")
			}
		case strings.HasPrefix(input, "/delete "):
			var id int64
			if _, err := fmt.Sscan(strings.TrimPrefix(input, "/delete "), &id); err != nil {
				fmt.Fprintln(rl.Stdout(), "usage: /delete <message-id>")
				continue
			}
			if err := client.DeleteMessage(ctx, id); err != nil {
				fmt.Fprintf(rl.Stdout(), "Delete failed: %v\n", err)
			}
		case strings.HasPrefix(input, "/"):
			fmt.Fprintln(rl.Stdout(), helpText)
		default:
			err := client.SendMessage(ctx, cv.ID(), input, nil,
				publisher.WithOnFailure(func(err error) {
					logger.WarnCF("chat", "Message not delivered", map[string]any{
						"conversation": cv.ID(),
						"error":        err.Error(),
					})
				}))
			if err != nil {
				fmt.Fprintf(rl.Stdout(), "Not sent (retry by sending again): %v\n", err)
			}
		}
	}
}

// printer writes each message once, as it first appears in the view.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	self    int64
	printed map[int64]struct{}
}

func newPrinter(w io.Writer, self int64) *printer {
	return &printer{w: w, self: self, printed: make(map[int64]struct{})}
}

func (p *printer) setWriter(w io.Writer) {
	p.mu.Lock()
	p.w = w
	p.mu.Unlock()
}

func (p *printer) show(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if _, ok := p.printed[m.ID]; ok {
			continue
		}
		p.printed[m.ID] = struct{}{}
		fmt.Fprintln(p.w, internal.FormatMessage(m, p.self))
	}
}
