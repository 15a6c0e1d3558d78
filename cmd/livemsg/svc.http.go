package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/env"
	"github.com/sour-is/livemsg/pkg/mux"
	"github.com/sour-is/livemsg/pkg/service"
	"github.com/sour-is/livemsg/pkg/slice"
)

var _ = apps.Register(20, func(ctx context.Context, svc *service.Harness) error {
	s := &http.Server{}
	svc.Add(s)

	mux := mux.New()
	s.Handler = cors.AllowAll().Handler(mux)

	s.Addr = env.Default("LIVEMSG_HTTP", ":8080")
	if strings.HasPrefix(s.Addr, ":") {
		s.Addr = "[::]" + s.Addr
	}
	svc.OnStart(func(ctx context.Context) error {
		_, span := lg.Span(ctx)
		defer span.End()

		log.Print("Listen on ", s.Addr)
		span.AddEvent("begin listen and serve on " + s.Addr)

		mux.Add(slice.FilterType[interface{ RegisterHTTP(*http.ServeMux) }](svc.Services...)...)
		return s.ListenAndServe()
	})
	svc.OnStop(s.Shutdown)

	return nil
})
