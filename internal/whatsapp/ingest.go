package whatsapp

import (
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/danmuck/wabridge/internal/chatstore"
)

// webMessageParser is the slice of *whatsmeow.Client history sync needs.
type webMessageParser interface {
	ParseWebMessage(chatJID types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error)
}

// textOf extracts the human-readable text of a message, if any.
func textOf(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func messageFromEvent(evt *events.Message) chatstore.Message {
	out := chatstore.Message{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.String(),
		FromMe:    evt.Info.IsFromMe,
		Text:      textOf(evt.Message),
		Timestamp: evt.Info.Timestamp,
	}
	if evt.Message != nil {
		if raw, err := proto.Marshal(evt.Message); err == nil {
			out.Raw = raw
		}
	}
	return out
}

// ingest records store-relevant events. It never blocks on the network.
func ingest(store *chatstore.Store, parser webMessageParser, evt any) {
	if store == nil {
		return
	}
	switch v := evt.(type) {
	case *events.Message:
		if err := store.AddMessage(messageFromEvent(v)); err != nil {
			log.Debug().Err(err).Msg("whatsapp.ingest skipped message")
			return
		}
		if v.Info.PushName != "" && !v.Info.IsFromMe {
			store.SetContactName(v.Info.Sender.ToNonAD().String(), v.Info.PushName)
		}
	case *events.PushName:
		store.SetContactName(v.JID.ToNonAD().String(), v.NewPushName)
	case *events.HistorySync:
		ingestHistory(store, parser, v)
	}
}

func ingestHistory(store *chatstore.Store, parser webMessageParser, evt *events.HistorySync) {
	if evt.Data == nil {
		return
	}
	total := 0
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			log.Debug().Err(err).Str("chat", conv.GetID()).Msg("whatsapp.ingestHistory bad chat id")
			continue
		}
		store.UpsertChat(chatJID.String(), conv.GetName())
		if parser == nil {
			continue
		}
		batch := make([]chatstore.Message, 0, len(conv.GetMessages()))
		for _, hm := range conv.GetMessages() {
			parsed, err := parser.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			batch = append(batch, messageFromEvent(parsed))
		}
		total += store.AddMessages(batch)
	}
	log.Info().
		Int("conversations", len(evt.Data.GetConversations())).
		Int("messages", total).
		Msg("whatsapp.ingestHistory synced")
}
