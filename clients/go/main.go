// chatcli is a command line client for the chat gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/eldtechnologies/chatgw/clients/go/chatgw"
	"github.com/eldtechnologies/chatgw/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "discover":
		baseURL := env("CHATGW_URL", "http://localhost:8080")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		addrs, err := chatgw.Discover(ctx, baseURL)
		exitOnError(err)
		fmt.Printf("tcp:   %s\nadmin: %s\n", addrs.TCP, addrs.Admin)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: chatcli send <conversation_id> <message>")
			os.Exit(1)
		}
		conv, err := strconv.ParseInt(os.Args[2], 10, 64)
		exitOnError(err)

		c := connect()
		defer c.Close()
		sent, err := c.SendText(conv, os.Args[3])
		exitOnError(err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for {
			f, err := c.Receive(ctx)
			exitOnError(err)
			if f.Order() != protocol.OrderAck || f.ConversationID != sent.ConversationID {
				continue
			}
			if f.Content() == protocol.ContentFailed {
				exitOnError(fmt.Errorf("rejected: %s", f.Body))
			}
			fmt.Printf("Sent: message %d in conversation %d\n", f.MessageID, f.ConversationID)
			return
		}

	case "listen":
		c := connect()
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		go keepAlive(ctx, c)

		for {
			f, err := c.Receive(ctx)
			if ctx.Err() != nil {
				return
			}
			exitOnError(err)
			printFrame(f)
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`chatcli - chat gateway client

Usage: chatcli <command> [options]

Commands:
  send <conversation> <message>   Send a text message and wait for its ack
  listen                          Print incoming messages until interrupted
  discover                        Show the gateway's advertised addresses

Environment:
  CHATGW_ADDR    Gateway TCP address (default: localhost:9000)
  CHATGW_URL     Gateway HTTP URL for discover (default: http://localhost:8080)
  CHATGW_USER    User ID to authenticate as
  CHATGW_TOKEN   Access token for that user`)
}

func connect() *chatgw.Client {
	userID, err := strconv.ParseInt(os.Getenv("CHATGW_USER"), 10, 64)
	if err != nil || userID <= 0 {
		exitOnError(fmt.Errorf("CHATGW_USER must be a positive user ID"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := chatgw.Dial(ctx, env("CHATGW_ADDR", "localhost:9000"))
	exitOnError(err)
	exitOnError(c.Auth(ctx, userID, os.Getenv("CHATGW_TOKEN")))
	return c
}

func keepAlive(ctx context.Context, c *chatgw.Client) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func printFrame(f *protocol.Frame) {
	ts := time.UnixMilli(f.Timestamp).Format("2006-01-02 15:04:05")
	switch f.Order() {
	case protocol.OrderMessage:
		fmt.Printf("[%s] #%d %d: %s\n", ts, f.ConversationID, f.SenderID, f.Body)
	case protocol.OrderSync:
		fmt.Printf("[%s] sync %s\n", ts, f.Body)
	case protocol.OrderSystem:
		fmt.Printf("[%s] system %s\n", ts, f.Body)
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
