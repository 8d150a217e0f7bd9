package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/rahemur0910/ChatAppliocation/internal/models"
	"github.com/rahemur0910/ChatAppliocation/internal/session"
)

var (
	serverURL string
	username  string
	password  string
	register  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatapp-client",
		Short: "Terminal client for the chat server",
		Run:   runClient,
	}

	rootCmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "server base URL")
	rootCmd.Flags().StringVarP(&username, "username", "u", "", "account username (required)")
	rootCmd.Flags().StringVarP(&password, "password", "p", "", "account password (required)")
	rootCmd.Flags().BoolVar(&register, "register", false, "create the account instead of logging in")
	rootCmd.MarkFlagRequired("username")
	rootCmd.MarkFlagRequired("password")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// terminalNotifier redraws the prompt under an out-of-band notice.
type terminalNotifier struct{}

func (terminalNotifier) Notify(msg *models.Message) {
	fmt.Printf("\r[%s] new message from user %d\n> ",
		time.Now().Format("15:04:05"), msg.SenderID)
}

func runClient(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newAPIClient(strings.TrimSuffix(serverURL, "/"))

	var selfID int
	var err error
	if register {
		selfID, err = api.Register(ctx, username, password)
	} else {
		selfID, err = api.Login(ctx, username, password)
	}
	if err != nil {
		log.Fatalf("Failed to authenticate: %v", err)
	}
	log.Printf("Signed in as %s (user %d)", username, selfID)

	events := make(chan *models.Message, 256)
	conn, err := connectWebSocket(serverURL, api.token)
	if err != nil {
		log.Fatalf("Failed to connect live channel: %v", err)
	}
	go readPump(conn, events)

	ctrl := session.NewController(selfID, api, terminalNotifier{})
	go ctrl.Run(ctx, events)

	if err := ctrl.RefreshUnread(ctx); err != nil {
		log.Printf("Could not fetch unread counts: %v", err)
	}
	printUnread(ctrl.Unread())

	repl(ctx, api, ctrl)
}

// connectWebSocket dials /ws with the bearer token in the query string.
func connectWebSocket(base, token string) (*websocket.Conn, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readPump feeds inbound pushes into the controller's event channel until
// the connection drops.
func readPump(conn *websocket.Conn, events chan<- *models.Message) {
	defer conn.Close()
	defer close(events)
	for {
		var event struct {
			Type    string          `json:"type"`
			Message *models.Message `json:"message"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			log.Printf("Live channel closed: %v", err)
			return
		}
		if event.Type == "new_message" && event.Message != nil {
			events <- event.Message
		}
	}
}

func repl(ctx context.Context, api *apiClient, ctrl *session.Controller) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Println("Commands: /users /open <id> /close /unread /quit, anything else sends to the open chat")
	fmt.Print("> ")

	for {
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			fmt.Print("> ")
			continue
		}

		switch {
		case input == "/quit":
			return

		case input == "/users":
			users, err := api.Users(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			for _, user := range users {
				status := "offline"
				if user.IsOnline {
					status = "online"
				}
				fmt.Printf("  %3d  %-20s %s\n", user.ID, user.Username, status)
			}

		case strings.HasPrefix(input, "/open "):
			id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(input, "/open ")))
			if err != nil || id <= 0 {
				fmt.Println("usage: /open <user id>")
				break
			}
			if err := ctrl.Open(ctx, id); err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			for _, msg := range ctrl.Messages() {
				printMessage(msg, id)
			}

		case input == "/close":
			ctrl.Close()

		case input == "/unread":
			if err := ctrl.RefreshUnread(ctx); err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			printUnread(ctrl.Unread())

		default:
			if _, err := ctrl.Send(ctx, input, ""); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
}

func printMessage(msg *models.Message, counterpartID int) {
	who := "me"
	if msg.SenderID == counterpartID {
		who = fmt.Sprintf("user %d", counterpartID)
	}
	body := ""
	if msg.Text != nil {
		body = *msg.Text
	}
	if msg.ImageURL != nil {
		if body != "" {
			body += " "
		}
		body += "[image " + *msg.ImageURL + "]"
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), who, body)
}

func printUnread(counts map[int]int) {
	if len(counts) == 0 {
		fmt.Println("No unread messages.")
		return
	}
	senders := make([]int, 0, len(counts))
	for senderID := range counts {
		senders = append(senders, senderID)
	}
	sort.Ints(senders)
	fmt.Println("Unread:")
	for _, senderID := range senders {
		fmt.Printf("  user %d: %d\n", senderID, counts[senderID])
	}
}
