// Copyright 2024-2026 Aiku AI

package connector

import (
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/telehooper/pkg/connector/hubfmt"
	"github.com/aiku/telehooper/pkg/connector/vkfmt"
)

var longpollBreaks = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n")

// longpollText undoes the HTML escaping VK applies to message text on the
// longpoll feed. Text from the regular API is already plain.
func longpollText(text string) string {
	return html.UnescapeString(longpollBreaks.Replace(text))
}

// inboundHTML renders remote text plus attachment notes as hub HTML.
func inboundHTML(text string, notes []string) string {
	parts := make([]string, 0, len(notes)+1)
	if text != "" {
		parts = append(parts, vkfmt.Parse(text))
	}
	for _, note := range notes {
		parts = append(parts, html.EscapeString(note))
	}
	return strings.Join(parts, "\n")
}

// senderPrefix labels a message in a multi-user dialogue that is posted by
// the main bot.
func senderPrefix(name string) string {
	return "<b>" + html.EscapeString(name) + "</b>: "
}

// remoteText renders the message text for the remote side.
func (msg *HubMessage) remoteText() string {
	if msg.HTML != "" {
		return hubfmt.Parse(msg.HTML)
	}
	return outboundText(msg.Text, msg.Entities)
}

// outboundText renders a hub message for the remote side. Link targets that
// the remote side would lose are inlined.
func outboundText(text string, entities []tgbotapi.MessageEntity) string {
	return strings.TrimSpace(hubfmt.FromEntities(text, entities))
}
