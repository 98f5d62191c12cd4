// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model defines the canonical data shapes shared across the client:
// chat messages, attachments, and the catalog of selectable backend models.
//
// Messages are append-only: a conversation grows by user turns and streaming
// model turns, and shrinks only by wholesale clear or rollback of a failed
// user turn. Attachment payloads are session-only; the persistence layer
// strips them before every durable write.
package model
