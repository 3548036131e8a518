package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"achat/client/internal/channel"
	"achat/client/internal/session"

	"github.com/joho/godotenv"
)

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s is not set", key)
	}
	return v
}

func render(s *session.Session) {
	msgs := s.Messages()
	from := 0
	if len(msgs) > 10 {
		from = len(msgs) - 10
	}
	for _, m := range msgs[from:] {
		mark := " "
		if m.Pending {
			mark = "~"
		}
		fmt.Printf("%s[%s] %d: %s\n", mark, m.CreatedAt.Format("15:04"), m.SenderID, m.Content)
	}
	if typing := s.TypingUsers(); len(typing) > 0 {
		fmt.Printf("  (typing: %v)\n", typing)
	}
}

func main() {
	log.Println("Starting achat terminal client...")

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}

	if len(os.Args) < 2 {
		log.Fatal("usage: client <chat-id>")
	}
	chatID, err := strconv.ParseInt(os.Args[1], 10, 64)
	if err != nil {
		log.Fatalf("invalid chat id %q: %v", os.Args[1], err)
	}

	client := session.NewClient(session.Config{
		MessageWSURL:  mustEnv("CHAT_WS_URL"),
		PresenceWSURL: mustEnv("PRESENCE_WS_URL"),
		APIURL:        mustEnv("API_URL"),
	})

	ctx := context.Background()
	if err := client.Connect(ctx, mustEnv("CHAT_TOKEN")); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer client.Disconnect()

	stopStatus := client.OnConnectionStatus(func(st channel.Status) {
		if st.Err != nil {
			log.Printf("channel %s: %s (%v)", st.Kind, st.State, st.Err)
			return
		}
		log.Printf("channel %s: %s", st.Kind, st.State)
	})
	defer stopStatus()

	s, err := client.OpenChat(ctx, chatID)
	if err != nil {
		log.Fatalf("open chat %d: %v", chatID, err)
	}
	defer s.Close()

	stopUpdates := s.OnUpdate(func() { render(s) })
	defer stopUpdates()
	stopFailures := s.OnSendFailure(func(localID string, err error) {
		log.Printf("send %s failed: %v", localID, err)
	})
	defer stopFailures()

	render(s)
	fmt.Println("type a message, /older for history, /quit to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/older":
			if err := s.LoadOlder(); err != nil {
				log.Printf("load older: %v", err)
			}
			render(s)
		default:
			s.Keystroke()
			if err := s.SendMessage(line); err != nil {
				log.Printf("send: %v", err)
			}
		}
	}
}
