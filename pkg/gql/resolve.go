package gql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/99designs/gqlgen/graphql/introspection"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/mutation"
	"github.com/sour-is/livemsg/pkg/record"
)

type queryRoot struct {
	svc    Service
	schema *ast.Schema

	introspection bool
}

func (*queryRoot) typename() string { return "Query" }

func (r *queryRoot) field(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "messages":
		q, err := query(args)
		if err != nil {
			return nil, err
		}
		page, err := r.svc.ResolveConnection(ctx, q)
		if err != nil {
			return nil, err
		}
		return &connectionObject{page, r.svc}, nil

	case "message", "node":
		id, _ := args["id"].(string)
		rec, err := r.svc.ResolveByIdentifier(ctx, id)
		return message(rec, r.svc), err

	case "messageByPk":
		pk, err := toInt(args["pk"])
		if err != nil {
			return nil, err
		}
		rec, err := r.svc.ResolveByPrimaryKey(ctx, int64(pk))
		return message(rec, r.svc), err

	case "__schema":
		if !r.introspection {
			return nil, errIntrospection
		}
		return introspection.WrapSchema(r.schema), nil

	case "__type":
		if !r.introspection {
			return nil, errIntrospection
		}
		name, _ := args["name"].(string)
		def := r.schema.Types[name]
		if def == nil {
			return nil, nil
		}
		return introspection.WrapTypeFromDef(r.schema, def), nil
	}
	return nil, fmt.Errorf("unknown field Query.%s", name)
}

type mutationRoot struct {
	svc Service
}

func (*mutationRoot) typename() string { return "Mutation" }

func (r *mutationRoot) field(ctx context.Context, name string, args map[string]any) (any, error) {
	in, _ := args["input"].(map[string]any)

	var res *mutation.Result
	var err error

	switch name {
	case "createMessage":
		msg, _ := in["message"].(map[string]any)
		res, err = r.svc.CreateRecord(ctx, livemsg.CreateInput{
			Fields:           normalize(msg),
			OrderBy:          orderBy(in["orderBy"]),
			ClientMutationID: str(in["clientMutationId"]),
		})

	case "updateMessage":
		var t target
		if t, err = targetOf(in); err != nil {
			return nil, err
		}
		patch, _ := in["patch"].(map[string]any)
		res, err = r.svc.UpdateRecord(ctx, livemsg.UpdateInput{
			ID:               t.id,
			PK:               t.pk,
			IfVersion:        t.ifVersion,
			Patch:            normalize(patch),
			OrderBy:          orderBy(in["orderBy"]),
			ClientMutationID: str(in["clientMutationId"]),
		})

	case "deleteMessage":
		var t target
		if t, err = targetOf(in); err != nil {
			return nil, err
		}
		res, err = r.svc.DeleteRecord(ctx, livemsg.DeleteInput{
			ID:               t.id,
			PK:               t.pk,
			IfVersion:        t.ifVersion,
			OrderBy:          orderBy(in["orderBy"]),
			ClientMutationID: str(in["clientMutationId"]),
		})

	case "deleteMessageById":
		res, err = r.svc.DeleteRecord(ctx, livemsg.DeleteInput{
			ID:               str(args["id"]),
			ClientMutationID: str(args["clientMutationId"]),
		})

	default:
		return nil, fmt.Errorf("unknown field Mutation.%s", name)
	}

	if err != nil {
		return nil, err
	}
	return &payloadObject{res, r.svc}, nil
}

type connectionObject struct {
	page *connection.Page
	svc  Service
}

func (*connectionObject) typename() string { return "MessagesConnection" }

func (c *connectionObject) field(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "edges":
		lis := make([]object, len(c.page.Edges))
		for i, e := range c.page.Edges {
			lis[i] = &edgeObject{e, c.svc}
		}
		return lis, nil
	case "nodes":
		lis := make([]object, len(c.page.Edges))
		for i, e := range c.page.Edges {
			lis[i] = &messageObject{e.Node, c.svc}
		}
		return lis, nil
	case "pageInfo":
		return &pageInfoObject{c.page.PageInfo}, nil
	case "totalCount":
		return c.page.TotalCount, nil
	}
	return nil, fmt.Errorf("unknown field MessagesConnection.%s", name)
}

type pageInfoObject struct {
	connection.PageInfo
}

func (*pageInfoObject) typename() string { return "PageInfo" }

func (p *pageInfoObject) field(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "hasNextPage":
		return p.HasNextPage, nil
	case "hasPreviousPage":
		return p.HasPreviousPage, nil
	case "startCursor":
		return nullable(p.StartCursor), nil
	case "endCursor":
		return nullable(p.EndCursor), nil
	}
	return nil, fmt.Errorf("unknown field PageInfo.%s", name)
}

type edgeObject struct {
	edge connection.Edge
	svc  Service
}

func (*edgeObject) typename() string { return "MessageEdge" }

func (e *edgeObject) field(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "cursor":
		return e.edge.Cursor, nil
	case "node":
		return message(e.edge.Node, e.svc), nil
	}
	return nil, fmt.Errorf("unknown field MessageEdge.%s", name)
}

type messageObject struct {
	rec *record.Record
	svc Service
}

// message avoids handing a typed nil to the executor.
func message(rec *record.Record, svc Service) object {
	if rec == nil {
		return nil
	}
	return &messageObject{rec, svc}
}

func (*messageObject) typename() string { return "Message" }

func (m *messageObject) field(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "id":
		return m.svc.ID(m.rec.PK), nil
	case "pk":
		return m.rec.PK, nil
	case "version":
		return m.rec.Version, nil
	case "createdAt":
		v := m.rec.Get(name)
		if v.IsNull() {
			return nil, nil
		}
		return v.Time().Format(time.RFC3339Nano), nil
	case "text", "author", "channel":
		return m.rec.Get(name).Any(), nil
	}
	return nil, fmt.Errorf("unknown field Message.%s", name)
}

type payloadObject struct {
	res *mutation.Result
	svc Service
}

func (*payloadObject) typename() string { return "MessagePayload" }

func (p *payloadObject) field(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "clientMutationId":
		return nullable(p.res.ClientMutationID), nil
	case "message":
		return message(p.res.Record, p.svc), nil
	case "messageEdge":
		if p.res.Record == nil {
			return nil, nil
		}
		return &edgeObject{p.res.Edge, p.svc}, nil
	case "deletedMessageId":
		return nullable(p.res.DeletedID), nil
	}
	return nil, fmt.Errorf("unknown field MessagePayload.%s", name)
}

// query reads the arguments shared by Query.messages and Subscription.messages.
func query(args map[string]any) (livemsg.Query, error) {
	var q livemsg.Query
	var err error

	q.OrderBy = orderBy(args["orderBy"])

	if cond, ok := args["condition"].(map[string]any); ok {
		q.Where = normalize(cond)
		if pk, ok := q.Where["pk"]; ok {
			delete(q.Where, "pk")
			q.Where[record.PrimaryKey] = pk
		}
	}

	if q.First, err = optInt(args, "first"); err != nil {
		return q, err
	}
	if q.Last, err = optInt(args, "last"); err != nil {
		return q, err
	}
	if q.Offset, err = optInt(args, "offset"); err != nil {
		return q, err
	}
	if s, ok := args["before"].(string); ok {
		q.Before = &s
	}
	if s, ok := args["after"].(string); ok {
		q.After = &s
	}
	return q, nil
}

type target struct {
	id        string
	pk        int64
	ifVersion uint64
}

func targetOf(in map[string]any) (target, error) {
	t := target{id: str(in["id"])}
	if in["pk"] != nil {
		pk, err := toInt(in["pk"])
		if err != nil {
			return t, err
		}
		t.pk = int64(pk)
	}
	if in["ifVersion"] != nil {
		v, err := toInt(in["ifVersion"])
		if err != nil || v < 0 {
			return t, fmt.Errorf("%w: ifVersion", livemsg.ErrInvalidArgument)
		}
		t.ifVersion = uint64(v)
	}
	return t, nil
}

func orderBy(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []any:
		lis := make([]string, 0, len(v))
		for _, s := range v {
			lis = append(lis, str(s))
		}
		return strings.Join(lis, ",")
	}
	return ""
}

func optInt(args map[string]any, name string) (*int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	i, err := toInt(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, name)
	}
	return &i, nil
}

func toInt(v any) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	case json.Number:
		i, err := v.Int64()
		if err == nil {
			return int(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %v is not an integer", livemsg.ErrInvalidArgument, v)
}

// normalize converts json numbers left by the request decoder.
func normalize(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = i
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		out[k] = v
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
