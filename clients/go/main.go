// Duplex CLI - Command line client for Duplex
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/duplex-chat/duplex/clients/go/duplex"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("DUPLEX_URL")
	client := duplex.NewClient(baseURL)
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "inbox":
		resp, err := client.Conversations()
		exitOnError(err)
		for _, s := range resp.Conversations {
			preview := ""
			if s.LastMessage != nil {
				preview = s.LastMessage.Content
			}
			fmt.Printf("  %s  %-16s unread=%d  %s\n", s.Conversation.ID, s.OtherUserID, s.UnreadCount, preview)
		}

	case "resolve":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: duplex resolve <user_id>")
			os.Exit(1)
		}
		resp, err := client.Resolve(os.Args[2])
		exitOnError(err)
		fmt.Printf("Conversation with %s: %s\n", resp.OtherUserID, resp.Conversation.ID)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: duplex send <conversation_id> <message>")
			os.Exit(1)
		}
		msg, err := client.Send(os.Args[2], os.Args[3])
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: duplex read <conversation_id>")
			os.Exit(1)
		}
		resp, err := client.Messages(os.Args[2], "", 50)
		exitOnError(err)
		for _, msg := range resp.Messages {
			ts := msg.CreatedAt.Local().Format("2006-01-02 15:04:05")
			fmt.Printf("[%s] %s: %s\n", ts, msg.SenderID, msg.Content)
		}
		exitOnError(client.MarkRead(os.Args[2]))

	case "delete":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: duplex delete <message_id>")
			os.Exit(1)
		}
		exitOnError(client.Delete(os.Args[2]))
		fmt.Println("Deleted")

	case "watch":
		err := client.Watch(os.Args[2:], func(ev duplex.Event) error {
			ts := time.Now().Format("15:04:05")
			fmt.Printf("[%s] %s %s\n", ts, ev.Type, string(ev.Payload))
			return nil
		})
		exitOnError(err)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Duplex CLI - two-party direct messaging

Usage: duplex <command> [options]

Commands:
  resolve <user_id>              Open (or find) a conversation with a user
  inbox                          List conversations with unread counts
  send <conversation_id> <text>  Send a message
  read <conversation_id>         Print messages and mark them read
  delete <message_id>            Delete one of your messages
  watch [conversation_id...]     Stream live events
  health                         Check server health

Environment:
  DUPLEX_URL     Server URL (default: http://localhost:8080)
  DUPLEX_TOKEN   Bearer token issued by the identity provider`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
