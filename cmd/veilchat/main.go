package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/veilchat/veilchat/internal/api"
	"github.com/veilchat/veilchat/internal/config"
	"github.com/veilchat/veilchat/internal/engine"
	"github.com/veilchat/veilchat/internal/llm"
	"github.com/veilchat/veilchat/internal/logger"
	"github.com/veilchat/veilchat/internal/session"
	"github.com/veilchat/veilchat/internal/store"
	"github.com/veilchat/veilchat/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	apiClient := api.NewClient(cfg.API)
	transport := stream.New(cfg.Stream.URL, cfg.Stream.SendURL)
	records := store.New(cfg.Store.Path)
	defer records.Close()

	var llmClient llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient = llm.NewClient(cfg.LLM)
	}

	eng := engine.New(*cfg, apiClient, transport, llmClient, records)
	defer eng.Close()

	changed := make(chan session.State, 8)
	unsub := eng.OnChange(func(st session.State) {
		select {
		case changed <- st:
		default:
		}
	})
	defer unsub()

	if err := eng.Connect(context.Background()); err != nil {
		logger.L.Warn("initial connect failed, recovery will retry", "error", err)
	}

	fmt.Println("veilchat (commands: /fallback /retry /reset /verify /quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit":
			return
		case "/fallback":
			eng.UseFallback()
			continue
		case "/retry":
			eng.Retry()
			continue
		case "/reset":
			eng.ResetConversation()
			continue
		case "/verify":
			printVerifications(eng)
			continue
		}

		if err := eng.Send(context.Background(), line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		printTurn(waitTurn(eng, changed))
	}
}

// waitTurn blocks until the turn started by Send has settled: the assistant
// message reached a terminal state, or a session-level error appeared.
func waitTurn(eng *engine.Engine, changed <-chan session.State) session.State {
	for {
		st := eng.Snapshot()
		if turnSettled(st) {
			return st
		}
		// The channel drops updates under load, so re-check periodically.
		select {
		case <-changed:
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func turnSettled(st session.State) bool {
	// A dead connection settles the turn even with a stream nominally
	// pending: the user needs the prompt back to choose retry or fallback.
	if st.ConnState == session.StateError {
		return true
	}
	if st.ActiveStreamID != "" {
		return false
	}
	if st.LastError != "" {
		return true
	}
	if len(st.Messages) == 0 {
		return false
	}
	last := st.Messages[len(st.Messages)-1]
	return last.Role == session.RoleAssistant && (last.Complete || last.ErrorText != "")
}

func printTurn(st session.State) {
	if st.LastError != "" {
		fmt.Fprintln(os.Stderr, "error:", st.LastError)
		return
	}
	last := st.Messages[len(st.Messages)-1]
	if last.ErrorText != "" {
		fmt.Fprintln(os.Stderr, "error:", last.ErrorText)
		return
	}
	fmt.Println(last.Content)
	if st.FallbackActive {
		fmt.Println("(degraded: fallback mode)")
	}
}

func printVerifications(eng *engine.Engine) {
	recs := eng.Verifications()
	if len(recs) == 0 {
		fmt.Println("no attestation records for this conversation")
		return
	}
	for _, r := range recs {
		status := "FAILED"
		if r.Verified {
			status = "ok"
		}
		fmt.Printf("%s  %s  [%s] %s\n", r.CreatedAt.Format("15:04:05"), status, r.SigningMethod, r.Preview)
	}
}
