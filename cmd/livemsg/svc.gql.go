package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/env"
	"github.com/sour-is/livemsg/pkg/gql"
	"github.com/sour-is/livemsg/pkg/mux"
	"github.com/sour-is/livemsg/pkg/service"
	"github.com/sour-is/livemsg/pkg/slice"
)

var _ = apps.Register(90, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	s, ok := slice.Find[*livemsg.Service](svc.Services...)
	if !ok {
		return nil
	}

	span.AddEvent("Enable GraphQL")
	h, err := gql.New(ctx, s)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if origins := env.Default("LIVEMSG_ORIGINS", ""); origins != "" {
		allowed := strings.Split(origins, ",")
		h.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if strings.TrimSpace(o) == origin {
					return true
				}
			}
			return false
		}
	}

	svc.Add(h)
	svc.Add(mux.RegisterHTTP(func(mux *http.ServeMux) {
		mux.Handle("/", http.RedirectHandler("/playground", http.StatusTemporaryRedirect))
	}))

	return nil
})
