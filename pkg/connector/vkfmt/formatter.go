// Copyright 2024-2026 Aiku AI

// Package vkfmt converts VK message text to Telegram HTML.
package vkfmt

import (
	"html"
	"regexp"
	"strings"
)

var (
	// [id123|Name], [club5|Name], [public5|Name]
	bracketMentionRe = regexp.MustCompile(`\[(id|club|public|event)(\d+)\|([^\]\n]+)\]`)
	// @id123 (Name)
	atMentionRe = regexp.MustCompile(`@(id|club|public|event)(\d+) \(([^)\n]+)\)`)
)

// ProfileURL returns the web link of a VK user or community.
func ProfileURL(kind, id string) string {
	return "https://vk.com/" + kind + id
}

func mentionLink(re *regexp.Regexp, match string) string {
	parts := re.FindStringSubmatch(match)
	if len(parts) < 4 {
		return match
	}
	return `<a href="` + ProfileURL(parts[1], parts[2]) + `">` + parts[3] + `</a>`
}

// Parse converts VK text to Telegram HTML. VK has no inline markup besides
// mentions, so everything else is escaped and bare URLs are left for the
// hub client to autolink.
func Parse(text string) string {
	if text == "" {
		return ""
	}
	escaped := html.EscapeString(text)
	if !strings.ContainsAny(text, "[@") {
		return escaped
	}
	escaped = bracketMentionRe.ReplaceAllStringFunc(escaped, func(m string) string {
		return mentionLink(bracketMentionRe, m)
	})
	escaped = atMentionRe.ReplaceAllStringFunc(escaped, func(m string) string {
		return mentionLink(atMentionRe, m)
	})
	return escaped
}

// Plain replaces mentions with the bare display name.
func Plain(text string) string {
	text = bracketMentionRe.ReplaceAllString(text, "$3")
	return atMentionRe.ReplaceAllString(text, "$3")
}
