package messages

import (
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/mutation"
	"github.com/sour-is/livemsg/pkg/record"
)

// Message is the JSON form of a record.
type Message struct {
	ID      string        `json:"id"`
	PK      int64         `json:"pk"`
	Version uint64        `json:"version"`
	Fields  record.Fields `json:"fields"`
}

type Edge struct {
	Cursor string   `json:"cursor"`
	Node   *Message `json:"node"`
}

type PageInfo struct {
	HasNextPage     bool   `json:"hasNextPage"`
	HasPreviousPage bool   `json:"hasPreviousPage"`
	StartCursor     string `json:"startCursor,omitempty"`
	EndCursor       string `json:"endCursor,omitempty"`
}

type Page struct {
	Edges      []Edge   `json:"edges"`
	PageInfo   PageInfo `json:"pageInfo"`
	TotalCount int      `json:"totalCount"`
	Version    uint64   `json:"version"`
}

type Result struct {
	ClientMutationID string   `json:"clientMutationId,omitempty"`
	Message          *Message `json:"message,omitempty"`
	Edge             *Edge    `json:"edge,omitempty"`
	DeletedID        string   `json:"deletedId,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type identifier interface {
	ID(pk int64) string
}

func toMessage(ids identifier, rec *record.Record) *Message {
	if rec == nil {
		return nil
	}
	return &Message{ID: ids.ID(rec.PK), PK: rec.PK, Version: rec.Version, Fields: rec.Fields}
}

func toEdge(ids identifier, e connection.Edge) Edge {
	return Edge{Cursor: e.Cursor, Node: toMessage(ids, e.Node)}
}

func toPage(ids identifier, p *connection.Page) *Page {
	out := &Page{
		Edges:      make([]Edge, len(p.Edges)),
		PageInfo:   PageInfo(p.PageInfo),
		TotalCount: p.TotalCount,
		Version:    p.Version,
	}
	for i, e := range p.Edges {
		out.Edges[i] = toEdge(ids, e)
	}
	return out
}

func toResult(ids identifier, res *mutation.Result) *Result {
	out := &Result{
		ClientMutationID: res.ClientMutationID,
		Message:          toMessage(ids, res.Record),
		DeletedID:        res.DeletedID,
	}
	if res.Record != nil {
		e := toEdge(ids, res.Edge)
		out.Edge = &e
	}
	return out
}
