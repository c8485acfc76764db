// ABOUTME: Standalone fake Direct Line backend for E2E testing the relay gateway.
// ABOUTME: Usage: fake-directline [-addr localhost:3000] [-agent assistant] [-delay 0s] [-reply TEXT]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/directline"
)

func main() {
	addr := flag.String("addr", "localhost:3000", "HTTP listen address")
	agentName := flag.String("agent", "assistant", "Agent sender name on replies")
	secret := flag.String("secret", "", "Service secret (empty disables auth)")
	delay := flag.Duration("delay", 0, "Delay before the agent reply appears")
	canned := flag.String("reply", "", "Fixed reply text (empty selects the echo agent)")
	flag.Parse()

	if err := run(*addr, *agentName, *secret, *delay, *canned); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentName, secret string, delay time.Duration, canned string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	reply := echoReply
	if canned != "" {
		reply = func(string) string { return canned }
	}

	fake := directline.NewFakeServer(agentName, directline.FakeOptions{
		Secret:     secret,
		Reply:      reply,
		ReplyDelay: delay,
		Logger:     logger,
	})
	defer fake.Close()

	server := &http.Server{
		Addr:              addr,
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake backend listening", "addr", addr, "agent_name", agentName, "delay", delay.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
