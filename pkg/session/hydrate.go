package session

import (
	"context"
	"strings"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

const defaultFileName = "file"

// normalizeHistory converts stored history into timeline messages. Legacy
// string bodies become a single part; image and record attachments are
// resolved eagerly while file attachments are left for FileURL.
func normalizeHistory(ctx context.Context, resolver Resolver, history []*chat.HistoryMessage) []*chat.Message {
	out := make([]*chat.Message, 0, len(history))
	for _, h := range history {
		if h == nil {
			continue
		}
		content := &chat.MessageContent{
			Role:       h.Content.Role,
			Reasoning:  h.Content.Reasoning,
			AgentStats: h.Content.AgentStats,
			Parts:      []*chat.MessagePart{},
		}
		switch body := h.Content.Body.(type) {
		case chat.LegacyString:
			content.Parts = legacyParts(ctx, resolver, string(body))
		case chat.StructuredParts:
			content.Parts = structuredParts(ctx, resolver, body)
		}
		out = append(out, &chat.Message{ID: h.ID, CreatedAt: h.CreatedAt, Content: content})
	}
	return out
}

func legacyParts(ctx context.Context, resolver Resolver, text string) []*chat.MessagePart {
	switch {
	case strings.HasPrefix(text, chat.LegacyImagePrefix):
		name := strings.Replace(text, chat.LegacyImagePrefix, "", 1)
		return []*chat.MessagePart{{Type: chat.PartImage, EmbeddedURL: resolveMedia(ctx, resolver, name)}}
	case strings.HasPrefix(text, chat.LegacyRecordPrefix):
		name := strings.Replace(text, chat.LegacyRecordPrefix, "", 1)
		return []*chat.MessagePart{{Type: chat.PartRecord, EmbeddedURL: resolveMedia(ctx, resolver, name)}}
	case text != "":
		return []*chat.MessagePart{{Type: chat.PartPlain, Text: text}}
	default:
		return []*chat.MessagePart{}
	}
}

func structuredParts(ctx context.Context, resolver Resolver, parts chat.StructuredParts) []*chat.MessagePart {
	out := make([]*chat.MessagePart, 0, len(parts))
	for _, p := range parts {
		if p == nil {
			continue
		}
		switch {
		case (p.Type == chat.PartImage || p.Type == chat.PartRecord) && p.AttachmentID != "":
			p.EmbeddedURL = resolve(ctx, resolver, p.AttachmentID)
		case p.Type == chat.PartFile && p.AttachmentID != "":
			name := p.Filename
			if name == "" {
				name = defaultFileName
			}
			p.EmbeddedFile = &chat.FileInfo{AttachmentID: p.AttachmentID, Filename: name}
		}
		out = append(out, p)
	}
	return out
}

func resolve(ctx context.Context, resolver Resolver, id string) string {
	if resolver == nil {
		return ""
	}
	return resolver.Resolve(ctx, id)
}

func resolveMedia(ctx context.Context, resolver Resolver, name string) string {
	if resolver == nil {
		return ""
	}
	return resolver.ResolveMedia(ctx, name)
}
