// polychat - a multi-provider LLM chat client for the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/polychat/internal/chat"
	"github.com/jeranaias/polychat/internal/config"
	"github.com/jeranaias/polychat/internal/persist"
	"github.com/jeranaias/polychat/internal/provider/dispatch"
	"github.com/jeranaias/polychat/internal/verify"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// app bundles the long-lived pieces the REPL operates on.
type app struct {
	mu  sync.Mutex
	cfg *config.Config

	engine  *verify.Engine
	session *chat.Session
	saver   *persist.Manager
	input   *inputCLI
}

func (a *app) keys() verify.Keys {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Keys()
}

func (a *app) setConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("polychat %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "polychat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	configDir, err := config.ConfigDir()
	if err != nil {
		return err
	}

	// Route diagnostics away from the interactive prompt.
	logFile, err := os.OpenFile(filepath.Join(configDir, "polychat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err == nil {
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	endpoints := dispatch.Endpoints{
		Gemini: cfg.Gemini.BaseURL,
		OpenAI: cfg.OpenAI.BaseURL,
		Groq:   cfg.Groq.BaseURL,
	}
	dispatcher := dispatch.New(endpoints)
	engine := verify.NewEngine(endpoints)

	a := &app{cfg: cfg, engine: engine}

	var saver chat.Saver
	if !cfg.Persistence.Disabled {
		primary, err := persist.OpenSQLite(filepath.Join(configDir, "session.db"))
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		manager := persist.NewManager(
			primary,
			persist.NewFileStore(filepath.Join(configDir, "session.fallback.json")),
			filepath.Join(configDir, "history.json"),
			time.Duration(cfg.Persistence.DebounceMs)*time.Millisecond,
		)
		a.saver = manager
		saver = manager
		defer func() {
			if err := manager.Close(); err != nil {
				log.Printf("closing session store: %v", err)
			}
		}()
	}

	a.session = chat.New(dispatcher, engine, saver, a.keys)

	// Hydrate the previous session before the first refresh so the picker
	// can restore the old selection.
	if a.saver != nil {
		if state, err := a.saver.Load(context.Background()); err == nil {
			a.session.Hydrate(*state)
			fmt.Printf("Restored %d messages from the previous session.\n", len(state.Messages))
		} else if !errors.Is(err, persist.ErrNotFound) {
			log.Printf("session hydration failed: %v", err)
		}
	}
	if engine.Selected() == "" && cfg.DefaultModel != "" {
		engine.SetSelected(cfg.DefaultModel)
	}
	if a.session.SystemInstruction() == "" && cfg.SystemInstruction != "" {
		a.session.SetSystemInstruction(cfg.SystemInstruction)
	}

	// Live config reload: new keys kick off a smart refresh.
	configPath, err := config.ConfigPath()
	if err == nil {
		watcher, werr := config.NewWatcher(configPath, 0, func(next *config.Config) {
			a.setConfig(next)
			fmt.Println("\nConfig reloaded; re-checking models...")
			a.refresh(verify.Smart)
		})
		if werr != nil {
			log.Printf("config watcher unavailable: %v", werr)
		} else {
			defer watcher.Close()
		}
	}

	// Ctrl+C during a stream cancels it instead of killing the process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigChan {
			a.session.Stop()
			fmt.Fprintln(os.Stderr, "\n[stopped]")
		}
	}()

	a.input = newInputCLI(filepath.Join(configDir, "chat_history"))
	defer a.input.Close()

	fmt.Printf("polychat %s - type /help for commands\n", Version)
	a.refresh(verify.Smart)

	return a.repl()
}

// refresh runs one verification cycle and reports the outcome.
func (a *app) refresh(mode verify.Mode) {
	keys := a.keys()
	fmt.Println("Checking model availability...")
	summary := a.engine.Refresh(context.Background(), keys, mode)
	if summary.Stale {
		return
	}

	st := a.engine.Snapshot()
	usable := 0
	for _, m := range st.Available {
		if _, bad := st.Unavailable[m.ID]; !bad {
			usable++
		}
	}
	fmt.Printf("%d models usable (+%d / -%d this pass).\n", usable, summary.Added, summary.Removed)

	// Wire the dispatcher to the (possibly auto-) selected model.
	if sel := a.engine.Selected(); sel != "" {
		if err := a.session.SelectModel(sel); err == nil {
			fmt.Printf("Using %s.\n", sel)
		}
	} else {
		fmt.Println("No model selected; run /models then /use <id>.")
	}
}

// =============================================================================
// REPL
// =============================================================================

func (a *app) repl() error {
	for {
		input, err := a.input.Read("polychat> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == liner.ErrNotTerminalOutput {
				fmt.Println()
				return nil
			}
			// EOF (Ctrl+D) exits gracefully.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if quit := a.handleCommand(input); quit {
				return nil
			}
			continue
		}

		a.send(input)
	}
}

func (a *app) send(text string) {
	err := a.session.Send(context.Background(), text, nil, func(token string) {
		fmt.Print(token)
	})
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
	}
}

func (a *app) handleCommand(input string) (quit bool) {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/help", "/h":
		printHelp()

	case "/models", "/m":
		a.printModels()

	case "/use", "/u":
		if len(args) == 0 {
			fmt.Println("usage: /use <model-id>")
			return false
		}
		if err := a.session.SelectModel(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			return false
		}
		fmt.Printf("Using %s.\n", args[0])

	case "/refresh", "/r":
		mode := verify.Smart
		if len(args) > 0 && strings.EqualFold(args[0], "full") {
			mode = verify.Full
		}
		a.refresh(mode)

	case "/clear", "/c":
		a.session.Clear()
		fmt.Println("Conversation cleared.")

	case "/stop":
		a.session.Stop()

	case "/system":
		if len(args) == 0 {
			if instr := a.session.SystemInstruction(); instr != "" {
				fmt.Printf("System instruction: %s\n", instr)
			} else {
				fmt.Println("No system instruction set. Usage: /system <text> (or /system clear)")
			}
			return false
		}
		instr := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
		if strings.EqualFold(instr, "clear") {
			instr = ""
		}
		a.session.SetSystemInstruction(instr)
		fmt.Println("System instruction updated.")

	case "/export":
		a.export(args)

	case "/quit", "/q":
		return true

	default:
		fmt.Printf("Unknown command %s; try /help.\n", cmd)
	}
	return false
}

func (a *app) printModels() {
	st := a.engine.Snapshot()
	if len(st.Available) == 0 {
		fmt.Println("No models. Configure API keys in config.toml, then /refresh.")
		return
	}
	for _, m := range st.Available {
		marker := " "
		if m.ID == st.Selected {
			marker = "*"
		}
		if kind, bad := st.Unavailable[m.ID]; bad {
			fmt.Printf("%s %-45s %-8s [%s] %s\n", marker, m.ID, m.Provider, kind, st.Messages[m.ID])
			continue
		}
		fmt.Printf("%s %-45s %-8s\n", marker, m.ID, m.Provider)
	}
}

func (a *app) export(args []string) {
	format := "md"
	if len(args) > 0 {
		format = strings.ToLower(args[0])
	}
	path := fmt.Sprintf("polychat-export-%s.%s", time.Now().Format("20060102-150405"), format)
	if len(args) > 1 {
		path = args[1]
	}

	var data []byte
	switch format {
	case "md", "markdown":
		data = []byte(a.session.ExportMarkdown())
	case "json":
		var err error
		data, err = a.session.ExportJSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			return
		}
	default:
		fmt.Println("usage: /export [md|json] [path]")
		return
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		return
	}
	fmt.Printf("Exported to %s.\n", path)
}

func printHelp() {
	fmt.Println(`Commands:
  /models, /m           List models and their availability
  /use <id>, /u         Switch to a model
  /refresh [full], /r   Re-check model availability
  /clear, /c            Clear the conversation
  /stop                 Stop the current response
  /system [text]        Show or set the system instruction
  /export [md|json]     Export the conversation
  /quit, /q             Exit
  Ctrl+C                Stop the current response`)
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// inputCLI wraps liner with persistent history.
type inputCLI struct {
	line        *liner.State
	historyFile string
}

func newInputCLI(historyFile string) *inputCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(false)

	c := &inputCLI{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// Read reads one line with history navigation.
func (c *inputCLI) Read(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close persists history and restores the terminal.
func (c *inputCLI) Close() {
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err == nil {
		c.line.WriteHistory(f)
		f.Close()
	}
	c.line.Close()
}
