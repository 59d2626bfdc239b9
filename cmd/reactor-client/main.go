// Package main provides a simple CLI client for the reactor WebSocket
// gateway.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopwork/reactor/internal/protocol"
)

// Client represents a WebSocket client.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	done      chan struct{}
}

// ReconnectConfig bounds the dial retry loop.
type ReconnectConfig struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// NewClient connects to the gateway, retrying with exponential backoff.
func NewClient(addr string, rc ReconnectConfig) (*Client, error) {
	delay := rc.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= rc.Attempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
		if err == nil {
			return &Client{
				conn: conn,
				done: make(chan struct{}),
			}, nil
		}
		lastErr = err
		if attempt < rc.Attempts {
			log.Printf("Dial attempt %d failed: %v (retrying in %s)", attempt, err, delay)
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * rc.Multiplier)
			if delay > rc.MaxDelay {
				delay = rc.MaxDelay
			}
		}
	}
	return nil, fmt.Errorf("dial: %w", lastErr)
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// Authenticate sends the credential and waits for auth_success.
func (c *Client) Authenticate(token string) error {
	// The gateway greets every connection first.
	if _, _, err := c.conn.ReadMessage(); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}

	payload, _ := json.Marshal(protocol.AuthPayload{Token: token})
	if err := c.conn.WriteJSON(protocol.Envelope{
		Action:  protocol.ActionAuth,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal auth reply: %w", err)
	}

	switch env.Action {
	case protocol.ActionAuthSuccess:
		var ack protocol.AuthSuccessPayload
		json.Unmarshal(env.Payload, &ack)
		c.sessionID = ack.SessionID
		if ack.Resumed {
			fmt.Println("Resumed existing session.")
		}
		return nil
	case protocol.ActionAuthError:
		if env.Error != nil {
			return fmt.Errorf("auth failed: %s - %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("auth failed")
	default:
		return fmt.Errorf("expected auth_success, got: %s", env.Action)
	}
}

// SendQuery submits a query to the session.
func (c *Client) SendQuery(query string) error {
	payload, _ := json.Marshal(protocol.QueryPayload{Query: query})
	return c.conn.WriteJSON(protocol.Envelope{
		Action:    protocol.ActionQuery,
		SessionID: c.sessionID,
		MessageID: fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Payload:   payload,
	})
}

// SendResponse answers an outstanding clarification prompt.
func (c *Client) SendResponse(response string) error {
	payload, _ := json.Marshal(protocol.ResponsePayload{Response: response})
	return c.conn.WriteJSON(protocol.Envelope{
		Action:    protocol.ActionResponse,
		SessionID: c.sessionID,
		Payload:   payload,
	})
}

// ReadMessages reads and prints frames from the gateway.
func (c *Client) ReadMessages() {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}

			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}

			switch env.Action {
			case protocol.ActionPrompt:
				var p protocol.PromptPayload
				json.Unmarshal(env.Payload, &p)
				fmt.Printf("\n[prompt] %s\n(reply with /r <answer>)\n> ", p.Prompt)
			case protocol.ActionResult:
				var r protocol.ResultPayload
				json.Unmarshal(env.Payload, &r)
				if r.Timeout {
					fmt.Printf("\n[timeout] %s\n> ", r.Answer)
				} else {
					fmt.Printf("\n[answer] %s\n> ", r.Answer)
				}
			case protocol.ActionError:
				if env.Error != nil {
					fmt.Printf("\n[error] %s: %s\n> ", env.Error.Code, env.Error.Message)
				}
			default:
				var pretty map[string]interface{}
				json.Unmarshal(data, &pretty)
				formatted, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Printf("\n[%s] Received:\n%s\n> ", env.Action, string(formatted))
			}
		}
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket gateway address")
	token := flag.String("token", "", "Credential for authentication")
	attempts := flag.Int("reconnect-attempts", 5, "Dial attempts before giving up")
	baseDelay := flag.Int("reconnect-base-ms", 500, "First retry delay in milliseconds")
	multiplier := flag.Float64("reconnect-multiplier", 2.0, "Retry delay growth factor")
	maxDelay := flag.Int("reconnect-max-ms", 10000, "Retry delay ceiling in milliseconds")
	flag.Parse()

	log.SetFlags(log.Ltime)

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr, ReconnectConfig{
		Attempts:   *attempts,
		BaseDelay:  time.Duration(*baseDelay) * time.Millisecond,
		Multiplier: *multiplier,
		MaxDelay:   time.Duration(*maxDelay) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	fmt.Println("Connected. Authenticating...")

	if err := client.Authenticate(*token); err != nil {
		log.Fatalf("Auth failed: %v", err)
	}

	fmt.Printf("Session established: %s\n", client.sessionID)
	fmt.Println("\nType a query and press Enter to send.")
	fmt.Println("Commands: /r <text> to answer a prompt, /quit to exit")
	fmt.Println()

	// Start reading messages in background
	go client.ReadMessages()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// Read user input
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}

			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}

			if input == "/quit" {
				fmt.Println("Bye!")
				return
			}

			if answer, ok := strings.CutPrefix(input, "/r "); ok {
				if err := client.SendResponse(strings.TrimSpace(answer)); err != nil {
					log.Printf("Send error: %v", err)
				}
				continue
			}

			if err := client.SendQuery(input); err != nil {
				log.Printf("Send error: %v", err)
				continue
			}
		}
	}
}
