// ABOUTME: Ephemeral cache of live conversation documents.
// ABOUTME: Wraps a TTL-free in-memory store; documents are evicted explicitly on terminal transitions.

package convo

import (
	gocache "github.com/patrickmn/go-cache"

	"github.com/2389/parley-gateway/internal/store"
)

// Cache holds the live, mutable conversation documents. It is the single
// source of truth while a conversation is open; the durable store only sees
// terminal snapshots.
type Cache struct {
	docs *gocache.Cache
}

// NewCache creates an empty document cache. Documents never expire on their
// own; eviction happens only on terminal transitions.
func NewCache() *Cache {
	return &Cache{
		docs: gocache.New(gocache.NoExpiration, 0),
	}
}

// Get returns the cached document for conversationID, if present.
func (c *Cache) Get(conversationID string) (*store.Conversation, bool) {
	v, ok := c.docs.Get(conversationID)
	if !ok {
		return nil, false
	}
	return v.(*store.Conversation), true
}

// Set commits the full document under its conversation id.
func (c *Cache) Set(doc *store.Conversation) {
	c.docs.Set(doc.ConversationID, doc, gocache.NoExpiration)
}

// Delete evicts a document. Deleting an absent id is a no-op.
func (c *Cache) Delete(conversationID string) {
	c.docs.Delete(conversationID)
}

// All returns every cached document. Ordering is unspecified; callers sort
// as needed.
func (c *Cache) All() []*store.Conversation {
	items := c.docs.Items()
	docs := make([]*store.Conversation, 0, len(items))
	for _, item := range items {
		docs = append(docs, item.Object.(*store.Conversation))
	}
	return docs
}

// Len returns the number of cached documents.
func (c *Cache) Len() int {
	return c.docs.ItemCount()
}
