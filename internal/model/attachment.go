// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// =============================================================================
// ATTACHMENT TYPE
// =============================================================================

// Attachment carries binary-bearing metadata for a message. Data holds the
// original base64 payload and is session-only: present in memory while the
// process lives, intentionally absent from anything durably persisted.
// IsActive=false after reload signals that the original bytes are gone and
// only the thumbnail/metadata remains.
type Attachment struct {
	MimeType     string  `json:"mime_type"`
	Data         string  `json:"data,omitempty"`
	Name         string  `json:"name,omitempty"`
	Size         int64   `json:"size,omitempty"`
	Thumbnail    string  `json:"thumbnail,omitempty"`
	DurationSecs float64 `json:"duration_secs,omitempty"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	IsActive     bool    `json:"is_active"`
}

// NewAttachment creates an attachment at attach time, with the full payload
// present and the attachment active.
func NewAttachment(mimeType, name, data string) Attachment {
	return Attachment{
		MimeType: mimeType,
		Name:     name,
		Data:     data,
		Size:     int64(len(data)),
		IsActive: true,
	}
}

// IsImage reports whether the attachment is an image type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// IsVideo reports whether the attachment is a video type.
func (a Attachment) IsVideo() bool {
	return strings.HasPrefix(a.MimeType, "video/")
}

// HasPayload reports whether the original bytes are still available to send
// to a backend. Stale attachments (reloaded without Data) must not be re-sent.
func (a Attachment) HasPayload() bool {
	return a.Data != "" && a.IsActive
}

// ThumbnailOnly reports whether the attachment survives persistence in a
// renderable form: after a reload, an image's thumbnail substitutes for the
// original, everything else degrades to inert metadata.
func (a Attachment) ThumbnailOnly() bool {
	return a.Data == "" && a.Thumbnail != ""
}
