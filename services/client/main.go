package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/kejichat/internal/attach"
	"github.com/kejichat/internal/bus"
	"github.com/kejichat/internal/config"
	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/session"
	"github.com/kejichat/internal/ws"
)

// Terminal chat client. Type to talk to Keji; commands:
//
//	/files <path> [path...]  attach files to the next message
//	/accept                  accept the last recommendation
//	/quit                    exit
func main() {
	logger.SetPrefix("client")
	cfg := config.Load()

	if err := os.MkdirAll(cfg.Attachment.CacheDir, 0o755); err != nil {
		logger.Errorf("create cache dir: %v", err)
		os.Exit(1)
	}

	conn := ws.NewConn(cfg.Socket)
	pipe := attach.New(cfg.Attachment.MaxCount, cfg.Attachment.MaxSize, cfg.Attachment.CacheDir)
	sess := session.New(conn, bus.New(), pipe)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		conn.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sess.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	go renderLoop(sess)

	fmt.Printf("connecting to %s\n", cfg.Socket.ServerURL)
	readInput(sess)

	cancel()
	conn.Close()
	wg.Wait()
}

func readInput(sess *session.Session) {
	var pendingFiles []string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/accept":
			if err := sess.AcceptRecommendation(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/files "):
			pendingFiles = strings.Fields(strings.TrimPrefix(line, "/files "))
			fmt.Printf("attaching %d file(s) to your next message\n", len(pendingFiles))
		case strings.HasPrefix(line, "/"):
			fmt.Println("commands: /files <path>..., /accept, /quit")
		default:
			if err := sess.Send(line, pendingFiles); err != nil {
				fmt.Printf("! %v\n", err)
			}
			pendingFiles = nil
		}
	}
}

// renderLoop prints log additions, status line flips and connection changes
// as they happen. The session channel coalesces; state comes from snapshots.
func renderLoop(sess *session.Session) {
	printed := 0
	lastStatus := ""
	lastConn := sess.Connection()
	for u := range sess.Updates() {
		switch u.Kind {
		case session.UpdateNotice:
			fmt.Printf("! %s\n", u.Notice)
		case session.UpdateConnection:
			st := sess.Connection()
			if st != lastConn {
				lastConn = st
				switch st.State {
				case model.StateConnected:
					fmt.Println("* connected")
				case model.StateReconnecting:
					fmt.Printf("* reconnecting (attempt %d)...\n", st.Attempt)
				case model.StateConnecting:
					fmt.Println("* connecting...")
				case model.StateDisconnected:
					fmt.Println("* disconnected")
				}
			}
		case session.UpdateStatus:
			st := sess.StatusLine()
			if st != lastStatus {
				lastStatus = st
				if st != "" {
					fmt.Printf("  [%s]\n", st)
				}
			}
		case session.UpdateLog:
			msgs := sess.Messages()
			for ; printed < len(msgs); printed++ {
				printMessage(msgs[printed])
			}
			if len(msgs) < printed {
				// History reconciliation can shrink or reorder the log.
				printed = len(msgs)
			}
		}
	}
}

func printMessage(m model.Message) {
	who := "you"
	if m.Sender == model.SenderAssistant {
		who = "keji"
	}
	if m.Recommendation != nil {
		fmt.Printf("%s> [recommendation] %s\n      %s\n", who, m.Recommendation.Title, m.Recommendation.Content)
		for _, h := range m.Recommendation.Health {
			fmt.Printf("      + %s\n", h)
		}
		fmt.Println("      (/accept to take it)")
		return
	}
	fmt.Printf("%s> %s\n", who, m.Text)
	for _, a := range m.Attachments {
		fmt.Printf("      [file %s: %s]\n", a.Name, a.Status)
	}
}
