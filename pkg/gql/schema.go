package gql

import (
	"context"
	"fmt"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2/ast"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/authreq"
)

// executableSchema runs validated operations for the gqlgen server.
type executableSchema struct {
	h *Handler
}

var _ graphql.ExecutableSchema = executableSchema{}

func (es executableSchema) Schema() *ast.Schema { return es.h.schema }

func (executableSchema) Complexity(typeName, fieldName string, childComplexity int, args map[string]interface{}) (int, bool) {
	return 0, false
}

func (es executableSchema) Exec(ctx context.Context) graphql.ResponseHandler {
	rc := graphql.GetOperationContext(ctx)
	h := es.h

	h.m_request.Add(ctx, 1)

	switch rc.Operation.Operation {
	case ast.Subscription:
		return h.subscribe(ctx, rc)

	case ast.Mutation:
		return graphql.OneShot(h.execute(ctx, rc, &mutationRoot{svc: h.svc}))

	default:
		root := &queryRoot{svc: h.svc, schema: h.schema, introspection: !rc.DisableIntrospection}
		return graphql.OneShot(h.execute(ctx, rc, root))
	}
}

func (h *Handler) execute(ctx context.Context, rc *graphql.OperationContext, root object) *graphql.Response {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.SetAttributes(attribute.String("operation", rc.OperationName))

	e := &executor{schema: h.schema, vars: rc.Variables}
	data := e.selectSet(ctx, root, rc.Operation.SelectionSet, nil)
	return e.response(data)
}

// subscribe opens the live query named by the operation. Each delivery is
// rendered against the subscription's selection set. The subscription is
// closed once ctx is done, which the transport does on complete or disconnect.
func (h *Handler) subscribe(ctx context.Context, rc *graphql.OperationContext) graphql.ResponseHandler {
	ctx, span := lg.Span(ctx)

	e := &executor{schema: h.schema, vars: rc.Variables}
	sel := e.collect(rc.Operation.SelectionSet, "Subscription")
	if len(sel) != 1 || sel[0].Name != "messages" {
		defer span.End()
		graphql.AddError(ctx, asGQL(fmt.Errorf("subscription must select exactly one field: messages"), nil))
		return nil
	}
	f := sel[0]
	key := f.Alias
	if key == "" {
		key = f.Name
	}

	q, err := query(f.ArgumentMap(rc.Variables))
	if err != nil {
		defer span.End()
		span.RecordError(err)
		graphql.AddError(ctx, asGQL(err, ast.Path{ast.PathName(key)}))
		return nil
	}

	sub, err := h.svc.OpenLiveQuery(ctx, q, authreq.Identity(ctx))
	if err != nil {
		defer span.End()
		span.RecordError(err)
		graphql.AddError(ctx, asGQL(err, ast.Path{ast.PathName(key)}))
		return nil
	}

	h.m_subscription.Add(ctx, 1)
	span.SetAttributes(attribute.String("subscription", sub.ID().String()))

	stop := context.AfterFunc(ctx, func() {
		sub.Close(context.WithoutCancel(ctx))
		span.End()
	})

	return func(rctx context.Context) *graphql.Response {
		if !sub.Recv(rctx) {
			if stop() {
				sub.Close(context.WithoutCancel(ctx))
				span.End()
			}
			return nil
		}

		e := &executor{schema: h.schema, vars: rc.Variables}
		obj := &connectionObject{sub.Page(), h.svc}
		data := fields{{key, e.selectSet(rctx, obj, f.SelectionSet, ast.Path{ast.PathName(key)})}}
		return e.response(data)
	}
}
