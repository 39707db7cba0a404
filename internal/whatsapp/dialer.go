// Package whatsapp adapts a whatsmeow client into a session handle the
// supervisor can dial, and feeds received traffic into the chat store.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/danmuck/wabridge/internal/chatstore"
	"github.com/danmuck/wabridge/internal/logging"
	"github.com/danmuck/wabridge/internal/session"
)

var (
	ErrCredentialsPath  = errors.New("whatsapp: credentials path required")
	ErrInvalidRecipient = errors.New("whatsapp: invalid recipient")
)

const DefaultRetryCacheTTL = 24 * time.Hour

type Options struct {
	// CredentialsPath is the SQLite file holding device keys.
	CredentialsPath    string
	FetchLatestVersion bool
	PrintQR            bool
	QRWriter           io.Writer
	RetryCacheTTL      time.Duration
}

// Dialer opens whatsmeow clients against one credential store. It implements
// session.Dialer.
type Dialer struct {
	opts      Options
	chats     *chatstore.Store
	db        *sql.DB
	container *sqlstore.Container
	sent      *cache.Cache

	versionOnce sync.Once
}

// Open opens (and migrates) the credential store. chats may be nil.
func Open(ctx context.Context, opts Options, chats *chatstore.Store) (*Dialer, error) {
	if opts.CredentialsPath == "" {
		return nil, ErrCredentialsPath
	}
	if opts.QRWriter == nil {
		opts.QRWriter = os.Stdout
	}
	if opts.RetryCacheTTL <= 0 {
		opts.RetryCacheTTL = DefaultRetryCacheTTL
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", opts.CredentialsPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open credentials %s: %w", opts.CredentialsPath, err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", logging.Library("store"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("whatsapp: migrate credentials: %w", err)
	}
	log.Info().Str("path", opts.CredentialsPath).Msg("whatsapp.Open credential store ready")

	return &Dialer{
		opts:      opts,
		chats:     chats,
		db:        db,
		container: container,
		sent:      cache.New(opts.RetryCacheTTL, opts.RetryCacheTTL/2),
	}, nil
}

func (d *Dialer) Close() error {
	return d.db.Close()
}

// Dial builds a fresh client on the stored device and starts connecting. The
// returned conn is not ready until a connected event is delivered to handle.
func (d *Dialer) Dial(ctx context.Context, handle func(session.Event)) (session.Conn, error) {
	d.negotiateVersion(ctx)

	device, err := d.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: load device: %w", err)
	}
	client := whatsmeow.NewClient(device, logging.Library("client"))
	client.EnableAutoReconnect = false
	client.GetMessageForRetry = d.messageForRetry

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client: client,
		dialer: d,
		cancel: cancel,
	}
	c.handlerID = client.AddEventHandler(func(evt any) {
		ingest(d.chats, client, evt)
		if ev, ok := translateEvent(evt); ok {
			handle(ev)
		}
	})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(connCtx)
		if err != nil {
			c.release()
			return nil, fmt.Errorf("whatsapp: pairing channel: %w", err)
		}
		go d.watchPairing(qrChan, handle)
	} else {
		log.Info().Str("device", client.Store.ID.String()).Msg("whatsapp.Dialer.Dial resuming stored session")
	}

	abort := func() {
		c.release()
		client.Disconnect()
	}
	if err := connectWithin(ctx, client.Connect, abort); err != nil {
		c.release()
		return nil, fmt.Errorf("whatsapp: connect: %w", err)
	}
	return c, nil
}

// connectWithin runs connect and gives up when ctx ends first. abort runs on
// timeout and again if connect completes afterwards, so a late socket is
// dropped too.
func connectWithin(ctx context.Context, connect func() error, abort func()) error {
	done := make(chan error, 1)
	go func() { done <- connect() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		abort()
		go func() {
			if err := <-done; err == nil {
				abort()
			}
		}()
		return ctx.Err()
	}
}

// negotiateVersion asks for the current web client version once per process.
// Failure keeps the library's built-in version.
func (d *Dialer) negotiateVersion(ctx context.Context) {
	if !d.opts.FetchLatestVersion {
		return
	}
	d.versionOnce.Do(func() {
		ver, err := whatsmeow.GetLatestVersion(ctx, nil)
		if err != nil {
			log.Warn().Err(err).Msg("whatsapp.Dialer version lookup failed; using built-in version")
			return
		}
		store.SetWAVersion(*ver)
		log.Info().Interface("version", ver).Msg("whatsapp.Dialer using latest web version")
	})
}

func (d *Dialer) watchPairing(qrChan <-chan whatsmeow.QRChannelItem, handle func(session.Event)) {
	for item := range qrChan {
		switch item.Event {
		case "code":
		case "success":
			log.Info().Msg("whatsapp.Dialer pairing succeeded")
			continue
		default:
			// The client drops the socket without a disconnect event here.
			log.Warn().Str("event", item.Event).Err(item.Error).Msg("whatsapp.Dialer pairing ended")
			handle(session.Event{Kind: session.EventDisconnected, Reason: "pairing " + item.Event})
			continue
		}
		handle(session.Event{Kind: session.EventPairingCode, Code: item.Code})
		if d.opts.PrintQR {
			fmt.Fprintln(d.opts.QRWriter, "Scan this QR code with WhatsApp > Linked devices:")
			qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, d.opts.QRWriter)
		} else {
			log.Info().Str("code", item.Code).Msg("whatsapp.Dialer pairing code")
		}
	}
}

func retryKey(to types.JID, id types.MessageID) string {
	return to.ToNonAD().String() + "/" + id
}

// remember keeps a sent message so a retry receipt can re-encrypt it.
func (d *Dialer) remember(to types.JID, id types.MessageID, msg *waE2E.Message) {
	d.sent.SetDefault(retryKey(to, id), msg)
	if d.chats == nil {
		return
	}
	raw, err := proto.Marshal(msg)
	if err != nil {
		raw = nil
	}
	if err := d.chats.AddMessage(chatstore.Message{
		ID:        id,
		Chat:      to.ToNonAD().String(),
		FromMe:    true,
		Text:      textOf(msg),
		Timestamp: time.Now(),
		Raw:       raw,
	}); err != nil {
		log.Debug().Err(err).Msg("whatsapp.Dialer.remember store skipped")
	}
}

// messageForRetry serves retry receipts from the send cache, falling back to
// the chat store.
func (d *Dialer) messageForRetry(requester, to types.JID, id types.MessageID) *waE2E.Message {
	if cached, ok := d.sent.Get(retryKey(to, id)); ok {
		if msg, ok := cached.(*waE2E.Message); ok {
			return msg
		}
	}
	if d.chats == nil {
		return nil
	}
	stored, ok := d.chats.Message(to.ToNonAD().String(), id)
	if !ok || len(stored.Raw) == 0 {
		log.Warn().Str("to", to.String()).Str("id", id).Msg("whatsapp.Dialer retry for unknown message")
		return nil
	}
	var msg waE2E.Message
	if err := proto.Unmarshal(stored.Raw, &msg); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("whatsapp.Dialer retry decode failed")
		return nil
	}
	return &msg
}

// conn is one whatsmeow client. It implements session.Conn.
type conn struct {
	client    *whatsmeow.Client
	dialer    *Dialer
	cancel    context.CancelFunc
	handlerID uint32
	closeOnce sync.Once
}

func (c *conn) SendText(ctx context.Context, to string, text string) (session.Receipt, error) {
	jid, err := types.ParseJID(to)
	if err != nil || jid.User == "" {
		return session.Receipt{}, fmt.Errorf("%w %q", ErrInvalidRecipient, to)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return session.Receipt{}, err
	}
	c.dialer.remember(jid, resp.ID, msg)
	return session.Receipt{
		ID:        resp.ID,
		To:        jid.String(),
		Timestamp: resp.Timestamp,
	}, nil
}

func (c *conn) Close() error {
	c.release()
	return nil
}

func (c *conn) release() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
	})
}
