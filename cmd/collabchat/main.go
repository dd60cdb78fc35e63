// Command collabchat is a terminal probe for the collaboration client core:
// it connects to a server, joins a session, prints inbound chat and presence
// events, and sends lines read from stdin as chat messages.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/collabchat/internal/config"
	"github.com/codefionn/collabchat/internal/lockfile"
	"github.com/codefionn/collabchat/internal/logger"
	"github.com/codefionn/collabchat/internal/pprof"
	"github.com/codefionn/collabchat/internal/presence"
	"github.com/codefionn/collabchat/internal/protocol"
	"github.com/codefionn/collabchat/internal/session"
	"github.com/codefionn/collabchat/internal/socket"
	"github.com/codefionn/collabchat/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (JSON)")
	sessionID := flag.String("session", "", "session id to join (required)")
	userID := flag.String("user", "", "user id (overrides config)")
	fullName := flag.String("name", "", "full name (overrides config)")
	pprofAddr := flag.String("pprof", "", "serve /debug/pprof on this address (e.g. localhost:6060)")
	flag.Parse()

	if *sessionID == "" {
		flag.Usage()
		return fmt.Errorf("a session id is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *fullName != "" {
		cfg.FullName = *fullName
	}
	if cfg.UserID == "" {
		return fmt.Errorf("a user id is required (flag -user or config)")
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return err
	}
	defer logger.Global().Close()
	slog.SetDefault(slog.New(logger.NewSlogHandler(logger.Global())))

	// One client per state directory; the store is not built for writers
	// racing across processes.
	lock := lockfile.New(filepath.Join(filepath.Dir(cfg.StorePath), "collabchat.lock"))
	if err := lock.TryAcquire(); err != nil {
		return err
	}
	defer lock.Release()

	if *pprofAddr != "" {
		profiler := pprof.NewServer(*pprofAddr)
		if err := profiler.Start(); err != nil {
			return err
		}
		defer profiler.Stop()
	}

	st, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	manager := socket.NewManager(cfg)
	manager.SetIdentity(cfg.UserID, cfg.FullName)

	tracker, err := presence.NewTracker(*sessionID, manager, st, cfg.ActiveUserWindow())
	if err != nil {
		return err
	}
	defer tracker.Close()

	manager.SetStateChangedCallback(func(state socket.State, err error) {
		tracker.SetConnected(state == socket.StateConnected)
		if err != nil {
			fmt.Printf("* connection %s (%v)\n", state, err)
			return
		}
		fmt.Printf("* connection %s\n", state)
	})

	engine, err := session.NewEngine(session.Session{
		ID:        *sessionID,
		CreatedAt: protocol.NowMillis(),
		UserID:    cfg.UserID,
		FullName:  cfg.FullName,
	}, manager, st, cfg.PersistCoalesce())
	if err != nil {
		return err
	}
	defer engine.Close()

	unsubChat := manager.Subscribe(protocol.TypeServerChat, func(frame *protocol.Frame) {
		if frame.Message != nil && frame.Message.SessionID == *sessionID {
			fmt.Printf("[%s] %s\n", frame.Message.FullName, frame.Message.Content)
		}
	})
	defer unsubChat()

	unsubJoin := manager.Subscribe(protocol.TypeUserJoinedSession, func(frame *protocol.Frame) {
		for _, guest := range frame.Guests {
			fmt.Printf("* %s joined\n", guest.FullName)
		}
	})
	defer unsubJoin()

	if cfg.AutoConnect {
		manager.Connect()
	}
	defer manager.Disconnect()

	announce := protocol.NewFrame(protocol.TypeUserJoinedSession)
	announce.SessionID = *sessionID
	announce.UserID = cfg.UserID
	announce.FullName = cfg.FullName
	if err := manager.Send(announce); err != nil {
		logger.Warn("Join announce not sent yet: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Printf("Joined session %s as %s. Type to chat, Ctrl-C to quit.\n", *sessionID, cfg.FullName)
	for {
		select {
		case <-sigCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := engine.SendMessage(line); err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
		}
	}
}
