package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newWatchCmd() *cobra.Command {
	var (
		server   string
		channels []string
		count    int
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live fleet events from a running API",
		Long: `Connects to the API's /v1/ws endpoint, subscribes to each channel and prints
one line per event. Channels are fleet, alerts, emergency or vehicle:<id>.`,
		Example: "  fleetctl watch --channel alerts --channel vehicle:V12",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runWatch(ctx, cmd.OutOrStdout(), server, channels, count)
		},
	}
	def := os.Getenv("FLEETCTL_SERVER")
	if def == "" {
		def = "http://localhost:8080"
	}
	cmd.Flags().StringVarP(&server, "server", "s", def, "API base URL")
	cmd.Flags().StringSliceVar(&channels, "channel", []string{"fleet"}, "channel to subscribe to (repeatable)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 = unlimited)")
	cmd.Flags().DurationVar(&timeout, "for", 0, "exit after this long (0 = until interrupted)")
	return cmd
}

// wsURL maps the http(s) base URL onto the ws(s) endpoint.
func wsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

func runWatch(ctx context.Context, out io.Writer, server string, channels []string, count int) error {
	endpoint, err := wsURL(server)
	if err != nil {
		return err
	}
	c, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer func() { _ = c.Close() }()

	// Unblock ReadJSON when the context ends.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		return err
	}
	var ack wsMessage
	if err := c.ReadJSON(&ack); err != nil {
		return err
	}
	if ack.Type != "connection_ack" {
		return fmt.Errorf("expected connection_ack, got %q", ack.Type)
	}
	names := map[string]string{}
	for i, ch := range channels {
		id := strconv.Itoa(i + 1)
		names[id] = ch
		pl, _ := json.Marshal(map[string]string{"channel": ch})
		if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: id, Payload: pl}); err != nil {
			return err
		}
	}

	seen := 0
	for {
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch m.Type {
		case "next":
			fmt.Fprintf(out, "%s %s\n", names[m.ID], m.Payload)
			seen++
			if count > 0 && seen >= count {
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
		case "error":
			return fmt.Errorf("subscription %s (%s): %s", m.ID, names[m.ID], m.Payload)
		}
	}
}
