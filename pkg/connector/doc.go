// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Telegram-VK bridge.
//
// Every Telegram group (or forum topic of one) can be bound to one VK
// dialogue of the hub user who linked a VK account. Messages of other
// dialogue members can be posted by auxiliary bots ("minibots") so a group
// conversation stays readable on the Telegram side.
//
// # Core Types
//
// [Bridge] owns the dialogue registry, the message ledger, the queued hub
// sender, the attachment pipeline and the linked accounts. It implements the
// hub-side handlers ([Bridge.HandleHubMessage], [Bridge.HandleUpdate], ...)
// and the admin API.
//
// [VKClient] is one linked VK account. It consumes the account's longpoll
// feed and forwards events to the bound Telegram chats.
//
// # Echo Prevention
//
// Messages the bridge sends to VK come back on the longpoll feed. They are
// recognised by the ledger (entries marked as sent via the bridge) and, in
// the window before the ledger entry exists, by the pre-send cache of the
// binding.
//
// # Sub-packages
//
//   - vkfmt converts VK text to Telegram HTML.
//   - hubfmt converts Telegram markup to VK plain text.
package connector
