package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ChannelType string

const (
	ChannelFacebook  ChannelType = "FACEBOOK"
	ChannelInstagram ChannelType = "INSTAGRAM"
	ChannelWhatsApp  ChannelType = "WHATSAPP"
	ChannelWebchat   ChannelType = "WEBCHAT"
	ChannelTelegram  ChannelType = "TELEGRAM"
	ChannelEmail     ChannelType = "EMAIL"
)

var channelTypes = []ChannelType{
	ChannelFacebook, ChannelInstagram, ChannelWhatsApp, ChannelWebchat, ChannelTelegram, ChannelEmail,
}

func ParseChannelType(raw string) (ChannelType, error) {
	normalized := ChannelType(strings.ToUpper(strings.TrimSpace(raw)))
	for _, t := range channelTypes {
		if t == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("unsupported channel type: %s", raw)
}

// RedirectBased reports whether the channel is attached through the
// provider's OAuth redirect flow rather than pasted credentials.
func (t ChannelType) RedirectBased() bool {
	return t == ChannelFacebook || t == ChannelInstagram
}

func (t ChannelType) String() string { return string(t) }

type ChannelConnection struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organizationId,omitempty"`
	Type           ChannelType `json:"type"`
	ExternalID     string      `json:"externalId"`
	Name           string      `json:"name,omitempty"`
	IsActive       bool        `json:"isActive"`
	LastSyncAt     *time.Time  `json:"lastSyncAt,omitempty"`
	HasCredentials bool        `json:"hasCredentials"`
}

type ChannelTestResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "OPEN"
	ConversationPending  ConversationStatus = "PENDING"
	ConversationResolved ConversationStatus = "RESOLVED"
	ConversationClosed   ConversationStatus = "CLOSED"
)

// Terminal reports whether agents are done with the conversation.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationResolved || s == ConversationClosed
}

type Conversation struct {
	ID                 string             `json:"id"`
	ChannelID          string             `json:"channelId,omitempty"`
	Status             ConversationStatus `json:"status"`
	UnreadCount        int                `json:"unreadCount"`
	AIEnabled          bool               `json:"aiEnabled"`
	IsAIHandling       bool               `json:"isAiHandling"`
	AssigneeID         string             `json:"assigneeId,omitempty"`
	LastMessageAt      *time.Time         `json:"lastMessageAt,omitempty"`
	LastMessagePreview string             `json:"lastMessagePreview,omitempty"`
}

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

type Sender string

const (
	SenderContact Sender = "CONTACT"
	SenderAgent   Sender = "AGENT"
	SenderAI      Sender = "AI"
	SenderSystem  Sender = "SYSTEM"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "PENDING"
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageRead      MessageStatus = "READ"
	MessageFailed    MessageStatus = "FAILED"
)

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Direction      Direction     `json:"direction"`
	Sender         Sender        `json:"sender"`
	Status         MessageStatus `json:"status"`
	Content        string        `json:"content,omitempty"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	IsAIGenerated  bool          `json:"isAiGenerated"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
}

// FromAI reports whether the message was produced by the AI responder.
func (m Message) FromAI() bool {
	return m.Sender == SenderAI || m.IsAIGenerated
}

type PageMeta struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type MessagePage struct {
	Data []Message `json:"data"`
	Meta PageMeta  `json:"meta"`
}

type SendMessageRequest struct {
	Content  string `json:"content"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

func (r SendMessageRequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" && strings.TrimSpace(r.MediaURL) == "" {
		return ErrMissingFields
	}
	return nil
}

type AIReplyRequest struct {
	Force bool `json:"force,omitempty"`
}

type AIReplyAck struct {
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
}

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrNotFound      = errors.New("not found")
)
