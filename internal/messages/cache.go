// Package messages reads conversations and their paginated history through
// the query cache, and invalidates rather than patches after every mutation.
package messages

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"inbox/internal/apiclient"
	"inbox/internal/domain"
	"inbox/internal/querycache"
)

const DefaultPageSize = 30

var ErrNoMorePages = errors.New("no older messages")

type Requester interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...apiclient.Option) error
}

type Cache struct {
	API      Requester
	Queries  *querycache.Cache
	PageSize int

	// OnConversations runs after every fresh fetch of the conversation list;
	// the session uses it for the bulk unread sync.
	OnConversations func([]domain.Conversation)
}

func New(api Requester, queries *querycache.Cache) *Cache {
	return &Cache{API: api, Queries: queries, PageSize: DefaultPageSize}
}

func listKey(status domain.ConversationStatus) string {
	if status == "" {
		return querycache.Key("conversations", "list")
	}
	return querycache.Key("conversations", "list", string(status))
}

func detailKey(id string) string { return querycache.Key("conversations", "detail", id) }

func pageKey(id, cursor string) string {
	if cursor == "" {
		cursor = "first"
	}
	return querycache.Key("messages", id, cursor)
}

// Conversations lists the inbox, optionally filtered by status.
func (c *Cache) Conversations(ctx context.Context, status domain.ConversationStatus) ([]domain.Conversation, error) {
	return querycache.Fetch(ctx, c.Queries, listKey(status), func(ctx context.Context) ([]domain.Conversation, error) {
		var out struct {
			Data []domain.Conversation `json:"data"`
		}
		var opts []apiclient.Option
		if status != "" {
			opts = append(opts, apiclient.WithQuery(url.Values{"status": {string(status)}}))
		}
		if err := c.API.Do(ctx, http.MethodGet, "/conversations", nil, &out, opts...); err != nil {
			return nil, err
		}
		// only the unfiltered list is authoritative for every unread count
		if status == "" && c.OnConversations != nil {
			c.OnConversations(out.Data)
		}
		return out.Data, nil
	})
}

func (c *Cache) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	return querycache.Fetch(ctx, c.Queries, detailKey(id), func(ctx context.Context) (domain.Conversation, error) {
		var out domain.Conversation
		err := c.API.Do(ctx, http.MethodGet, "/conversations/"+id, nil, &out)
		return out, err
	})
}

// Messages returns the newest page of a conversation's history.
func (c *Cache) Messages(ctx context.Context, conversationID string) (domain.MessagePage, error) {
	return c.page(ctx, conversationID, "")
}

// Older fetches the page after prev, walking backward in time.
func (c *Cache) Older(ctx context.Context, conversationID string, prev domain.MessagePage) (domain.MessagePage, error) {
	if !prev.Meta.HasMore || prev.Meta.NextCursor == "" {
		return domain.MessagePage{}, ErrNoMorePages
	}
	return c.page(ctx, conversationID, prev.Meta.NextCursor)
}

// History loads up to maxPages pages starting from the newest.
func (c *Cache) History(ctx context.Context, conversationID string, maxPages int) ([]domain.MessagePage, error) {
	page, err := c.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	pages := []domain.MessagePage{page}
	for len(pages) < maxPages {
		next, err := c.Older(ctx, conversationID, pages[len(pages)-1])
		if errors.Is(err, ErrNoMorePages) {
			break
		}
		if err != nil {
			return pages, err
		}
		pages = append(pages, next)
	}
	return pages, nil
}

func (c *Cache) page(ctx context.Context, conversationID, cursor string) (domain.MessagePage, error) {
	return querycache.Fetch(ctx, c.Queries, pageKey(conversationID, cursor), func(ctx context.Context) (domain.MessagePage, error) {
		q := url.Values{"limit": {strconv.Itoa(c.pageSize())}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out domain.MessagePage
		err := c.API.Do(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", nil, &out, apiclient.WithQuery(q))
		return out, err
	})
}

func (c *Cache) pageSize() int {
	if c.PageSize <= 0 {
		return DefaultPageSize
	}
	return c.PageSize
}

// Flatten concatenates pages in fetch order. Messages are never re-sorted.
func Flatten(pages []domain.MessagePage) []domain.Message {
	n := 0
	for _, p := range pages {
		n += len(p.Data)
	}
	out := make([]domain.Message, 0, n)
	for _, p := range pages {
		out = append(out, p.Data...)
	}
	return out
}

// Send posts a message. The history is refetched instead of patched.
func (c *Cache) Send(ctx context.Context, conversationID string, req domain.SendMessageRequest) (domain.Message, error) {
	if err := req.Validate(); err != nil {
		return domain.Message{}, err
	}
	var out domain.Message
	if err := c.API.Do(ctx, http.MethodPost, "/conversations/"+conversationID+"/messages", req, &out); err != nil {
		return domain.Message{}, err
	}
	c.InvalidateConversation(conversationID)
	return out, nil
}

func (c *Cache) Assign(ctx context.Context, conversationID, assigneeID string) (domain.Conversation, error) {
	return c.patch(ctx, conversationID, map[string]string{"assigneeId": assigneeID})
}

func (c *Cache) SetStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (domain.Conversation, error) {
	return c.patch(ctx, conversationID, map[string]string{"status": string(status)})
}

// MarkRead tells the API the agent has seen the conversation.
func (c *Cache) MarkRead(ctx context.Context, conversationID string) error {
	if err := c.API.Do(ctx, http.MethodPost, "/conversations/"+conversationID+"/read", nil, nil); err != nil {
		return err
	}
	c.Queries.Invalidate(listKey(""), detailKey(conversationID))
	return nil
}

func (c *Cache) patch(ctx context.Context, conversationID string, body any) (domain.Conversation, error) {
	var out domain.Conversation
	if err := c.API.Do(ctx, http.MethodPatch, "/conversations/"+conversationID, body, &out); err != nil {
		return domain.Conversation{}, err
	}
	c.InvalidateConversation(conversationID)
	return out, nil
}

// InvalidateConversation drops the conversation's message pages, its detail
// and every conversation list.
func (c *Cache) InvalidateConversation(conversationID string) {
	c.Queries.Invalidate(
		querycache.Key("messages", conversationID),
		detailKey(conversationID),
		listKey(""),
	)
}
