// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package hubfmt converts Telegram message markup to VK plain text.
package hubfmt

import (
	"cmp"
	"html"
	"regexp"
	"slices"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var (
	linkRe       = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote[^>]*>(.*?)</blockquote>`)
	preRe        = regexp.MustCompile(`(?s)<pre>(?:<code[^>]*>)?(.*?)(?:</code>)?</pre>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// Parse converts Telegram HTML to VK plain text. VK renders no markup, so
// links keep their target in parentheses and every other tag is dropped.
func Parse(text string) string {
	if !strings.Contains(text, "<") {
		return strings.TrimSpace(html.UnescapeString(text))
	}

	text = preRe.ReplaceAllString(text, "$1")

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href := parts[1]
		label := tagRe.ReplaceAllString(parts[2], "")
		if label == "" || html.UnescapeString(label) == html.UnescapeString(href) {
			return href
		}
		return label + " (" + href + ")"
	})

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})

	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(html.UnescapeString(text))
}

// FromEntities renders a received Telegram message as VK plain text.
// Entity offsets count UTF-16 code units.
func FromEntities(text string, entities []tgbotapi.MessageEntity) string {
	var links []tgbotapi.MessageEntity
	for _, e := range entities {
		if e.Type == "text_link" && e.URL != "" {
			links = append(links, e)
		}
	}
	if len(links) == 0 {
		return text
	}
	slices.SortStableFunc(links, func(a, b tgbotapi.MessageEntity) int {
		return cmp.Compare(a.Offset+a.Length, b.Offset+b.Length)
	})

	units := utf16.Encode([]rune(text))
	var b strings.Builder
	pos := 0
	for _, e := range links {
		end := e.Offset + e.Length
		if e.Offset < 0 || end > len(units) || end < pos || e.Offset > end {
			continue
		}
		b.WriteString(string(utf16.Decode(units[pos:end])))
		if string(utf16.Decode(units[e.Offset:end])) != e.URL {
			b.WriteString(" (" + e.URL + ")")
		}
		pos = end
	}
	b.WriteString(string(utf16.Decode(units[pos:])))
	return b.String()
}
