package whatsapp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/danmuck/wabridge/internal/chatstore"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
)

func newTestDialer(chats *chatstore.Store) *Dialer {
	return &Dialer{
		chats: chats,
		sent:  cache.New(time.Minute, time.Minute),
	}
}

func TestOpenRequiresCredentialsPath(t *testing.T) {
	testlog.Start(t)
	if _, err := Open(context.Background(), Options{}, nil); !errors.Is(err, ErrCredentialsPath) {
		t.Fatalf("expected ErrCredentialsPath, got %v", err)
	}
}

func TestRememberFeedsRetryAndStore(t *testing.T) {
	testlog.Start(t)
	chats := chatstore.New(10)
	d := newTestDialer(chats)
	to := types.NewJID("15551234567", types.DefaultUserServer)
	msg := &waE2E.Message{Conversation: proto.String("hi")}

	d.remember(to, "OUT1", msg)

	if got := d.messageForRetry(to, to, "OUT1"); got != msg {
		t.Fatalf("expected cached message for retry")
	}
	stored, ok := chats.Message(to.String(), "OUT1")
	if !ok || !stored.FromMe || stored.Text != "hi" {
		t.Fatalf("expected sent message in store, got %+v", stored)
	}
}

func TestMessageForRetryFallsBackToStore(t *testing.T) {
	testlog.Start(t)
	chats := chatstore.New(10)
	to := types.NewJID("15551234567", types.DefaultUserServer)
	raw, err := proto.Marshal(&waE2E.Message{Conversation: proto.String("from disk")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := chats.AddMessage(chatstore.Message{ID: "OLD", Chat: to.String(), FromMe: true, Raw: raw}); err != nil {
		t.Fatalf("add: %v", err)
	}
	d := newTestDialer(chats)

	got := d.messageForRetry(to, to, "OLD")
	if got.GetConversation() != "from disk" {
		t.Fatalf("expected stored message, got %v", got)
	}
	if d.messageForRetry(to, to, "UNKNOWN") != nil {
		t.Fatalf("expected nil for unknown message")
	}
}

func TestConnectWithinGivesUpOnDeadline(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	var aborts atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := connectWithin(ctx, func() error {
		<-release
		return nil
	}, func() { aborts.Add(1) })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("connect was not bounded: %s", elapsed)
	}
	if aborts.Load() != 1 {
		t.Fatalf("expected abort on timeout, got %d", aborts.Load())
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for aborts.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("late connect was not aborted")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectWithinReturnsConnectResult(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("refused")
	var aborts atomic.Int32
	if err := connectWithin(context.Background(), func() error { return boom }, func() { aborts.Add(1) }); !errors.Is(err, boom) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if err := connectWithin(context.Background(), func() error { return nil }, func() { aborts.Add(1) }); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if aborts.Load() != 0 {
		t.Fatalf("abort should not run on completed connect")
	}
}
