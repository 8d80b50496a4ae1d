package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"collab-sync-server/internal/awareness"
	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/protocol"
	"collab-sync-server/internal/relay"
	"collab-sync-server/internal/websocket"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type joinOptions struct {
	serverURL  string
	collabType string
	documentID string
	token      string
	deviceID   string
	redisAddr  string
	state      string
	leaseTTL   time.Duration
}

func newJoinCmd() *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Open a live replica of a document and print its content on every change",
		Long: `Open a live replica of a document and print its content on every change.

With --redis, several collabctl processes on the same host share one
server connection: one of them holds the connection and relays for the
others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, opts, cmd.OutOrStdout(), cliLogger())
		},
	}

	cmd.Flags().StringVar(&opts.serverURL, "url", "ws://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&opts.collabType, "collab-type", protocol.CollabDocument, "Document kind (document, database, database_row, folder)")
	cmd.Flags().StringVar(&opts.documentID, "doc", "", "Document id")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("COLLAB_TOKEN"), "Access token (defaults to $COLLAB_TOKEN)")
	cmd.Flags().StringVar(&opts.deviceID, "device-id", "collabctl", "Device id reported to the server")
	cmd.Flags().StringVar(&opts.redisAddr, "redis", "", "Redis address for sharing one connection between local replicas")
	cmd.Flags().StringVar(&opts.state, "state", "", "Presence state as a JSON object")
	cmd.Flags().DurationVar(&opts.leaseTTL, "lease-ttl", 6*time.Second, "Active holder lease duration")
	cmd.MarkFlagRequired("doc")

	return cmd
}

func documentURL(base, collabType, documentID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws/" + url.PathEscape(collabType) + "/" + url.PathEscape(documentID)
	return u.String(), nil
}

func parseState(raw string) (awareness.State, error) {
	if raw == "" {
		return nil, nil
	}
	var state awareness.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("invalid --state: %w", err)
	}
	return state, nil
}

// printer writes the replica content and the participants whenever either
// changes.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	doc *crdt.Doc
	aw  *awareness.Awareness
}

func (p *printer) print() {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, err := json.Marshal(p.doc.ToJSON())
	if err != nil {
		return
	}
	fmt.Fprintf(p.out, "content %s\n", content)
	fmt.Fprintf(p.out, "participants %v\n", p.aw.ActiveParticipants())
}

func runJoin(ctx context.Context, opts *joinOptions, out io.Writer, logger zerolog.Logger) error {
	target, err := documentURL(opts.serverURL, opts.collabType, opts.documentID)
	if err != nil {
		return err
	}
	state, err := parseState(opts.state)
	if err != nil {
		return err
	}

	doc := crdt.NewDoc(opts.documentID, crdt.WithLogger(logger))
	aw := awareness.New(doc.ClientID(), awareness.WithLogger(logger))
	if state != nil {
		if err := aw.SetLocalState(state); err != nil {
			return err
		}
	}

	p := &printer{out: out, doc: doc, aw: aw}
	defer doc.Observe(func(*crdt.UpdateEvent) { p.print() })()
	defer aw.Observe(func(awareness.Change) { p.print() })()

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		return websocket.Dial(ctx, target, websocket.DialOptions{
			Token:    opts.token,
			DeviceID: opts.deviceID,
			Logger:   logger,
		})
	}

	if opts.redisAddr == "" {
		return joinDirect(ctx, opts, doc, aw, dial, logger)
	}
	return joinShared(ctx, opts, doc, aw, dial, logger)
}

// joinDirect runs one session over its own connection.
func joinDirect(ctx context.Context, opts *joinOptions, doc *crdt.Doc, aw *awareness.Awareness, dial func(context.Context) (*websocket.Conn, error), logger zerolog.Logger) error {
	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	session := protocol.NewSession(opts.collabType, doc, aw, conn, protocol.WithLogger(logger))
	defer session.Close()

	go aw.Run(ctx, aw.RenewInterval(), presenceBroadcaster(opts, conn))

	session.Open()
	err = conn.ReadLoop(ctx, session.Receive)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// joinShared runs the session through a relay. Whichever process holds the
// Redis lease dials the server; the others reach it through the relay.
func joinShared(ctx context.Context, opts *joinOptions, doc *crdt.Doc, aw *awareness.Awareness, dial func(context.Context) (*websocket.Conn, error), logger zerolog.Logger) error {
	rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	var session *protocol.Session
	var r *relay.Relay
	r = relay.New(opts.documentID, relay.NewRedisPubSub(rdb, relay.WithBusLogger(logger)), func(data []byte) {
		session.Receive(data)
	}, relay.WithLogger(logger), relay.WithOnActivate(func() {
		// the server sees a new connection, rerun the handshake through it
		session.Reconnect(r)
	}))
	session = protocol.NewSession(opts.collabType, doc, aw, r, protocol.WithLogger(logger))
	defer session.Close()

	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Close()

	go aw.Run(ctx, aw.RenewInterval(), presenceBroadcaster(opts, r))

	// reaches the server through the current holder, if any
	session.Open()

	connect := func(ctx context.Context, lost func(error)) (protocol.Transport, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		go func() {
			err := conn.ReadLoop(ctx, r.Inbound)
			if ctx.Err() != nil {
				return
			}
			logger.Info().Err(err).Msg("connection lost")
			lost(err)
		}()
		return conn, nil
	}
	r.Campaign(ctx, relay.NewRedisElector(rdb), opts.leaseTTL, connect)
	return nil
}

func presenceBroadcaster(opts *joinOptions, t protocol.Transport) func([]byte) {
	return func(update []byte) {
		m := protocol.Message{
			CollabType: opts.collabType,
			DocumentID: opts.documentID,
			Type:       protocol.MessageAwareness,
			Payload:    update,
		}
		t.Send(m.Encode())
	}
}
