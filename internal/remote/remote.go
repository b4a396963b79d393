// Package remote defines the contract of the multi-tenant document store the
// engine replicates against, with two implementations: Client, which speaks
// HTTP and a websocket change feed, and Memory, an in-process store used by
// tests and offline runs. Server exposes any Store over the same HTTP
// mapping Client consumes.
//
// HTTP mapping:
//
//	GET    /api/collections/{c}/records        list (filter query params)
//	POST   /api/collections/{c}/records        create
//	PATCH  /api/collections/{c}/records/{id}   update
//	DELETE /api/collections/{c}/records/{id}   delete
//	GET    /api/collections/{c}/feed           websocket change feed
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// EventType is the kind of change carried by a feed event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"

	// EventResync is emitted by a feed after it re-established a dropped
	// connection. Changes may have been missed; consumers should re-list.
	EventResync EventType = "resync"
)

// Event is one change-feed delivery.
type Event struct {
	Type       EventType       `json:"type"`
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// Handler receives feed events.
type Handler func(Event)

// Filter selects records. Empty fields match everything.
type Filter struct {
	ID        string
	OwnerID   string
	ThreadID  string
	ProjectID string
	UserID    string

	// Sort is a record field name; Desc reverses the order.
	Sort string
	Desc bool

	Limit  int
	Offset int
}

// Store is the remote document store contract.
type Store interface {
	List(ctx context.Context, collection string, f Filter) ([]json.RawMessage, error)
	Create(ctx context.Context, collection, id string, fields any) (json.RawMessage, error)
	Update(ctx context.Context, collection, id string, fields any) (json.RawMessage, error)
	Delete(ctx context.Context, collection, id string) error

	// Subscribe delivers changes of one collection until the returned
	// function is called or ctx is cancelled.
	Subscribe(ctx context.Context, collection string, h Handler) (unsubscribe func(), err error)
}

// equalityFields maps filter fields to record keys.
func (f Filter) equalityFields() map[string]string {
	m := make(map[string]string)
	if f.ID != "" {
		m["id"] = f.ID
	}
	if f.OwnerID != "" {
		m["owner_id"] = f.OwnerID
	}
	if f.ThreadID != "" {
		m["thread_id"] = f.ThreadID
	}
	if f.ProjectID != "" {
		m["project_id"] = f.ProjectID
	}
	if f.UserID != "" {
		m["user_id"] = f.UserID
	}
	return m
}

// Values encodes the filter as query parameters.
func (f Filter) Values() url.Values {
	v := url.Values{}
	for k, val := range f.equalityFields() {
		v.Set(k, val)
	}
	if f.Sort != "" {
		if f.Desc {
			v.Set("sort", "-"+f.Sort)
		} else {
			v.Set("sort", f.Sort)
		}
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	return v
}

// ParseFilter decodes query parameters produced by Filter.Values.
func ParseFilter(v url.Values) Filter {
	f := Filter{
		ID:        v.Get("id"),
		OwnerID:   v.Get("owner_id"),
		ThreadID:  v.Get("thread_id"),
		ProjectID: v.Get("project_id"),
		UserID:    v.Get("user_id"),
	}
	if s := v.Get("sort"); s != "" {
		f.Desc = strings.HasPrefix(s, "-")
		f.Sort = strings.TrimPrefix(s, "-")
	}
	f.Limit, _ = strconv.Atoi(v.Get("limit"))
	f.Offset, _ = strconv.Atoi(v.Get("offset"))
	return f
}

// toFields converts a record payload to a field map.
func toFields(v any) (map[string]any, error) {
	var data []byte
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case json.RawMessage:
		data = t
	case []byte:
		data = t
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	fields := make(map[string]any)
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
