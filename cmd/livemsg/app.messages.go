package main

import (
	"context"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/app/messages"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/service"
	"github.com/sour-is/livemsg/pkg/slice"
)

var _ = apps.Register(50, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	s, ok := slice.Find[*livemsg.Service](svc.Services...)
	if !ok {
		return nil
	}

	span.AddEvent("Enable Messages")
	rest, err := messages.New(ctx, s)
	if err != nil {
		span.RecordError(err)
		return err
	}
	svc.Add(rest)

	return nil
})
