// Package mux joins the routes of every service into one handler. Services
// that implement RegisterAPIv1 are also mounted under /api/v1/.
package mux

import (
	"log"
	"net/http"
)

type mux struct {
	*http.ServeMux
	api *http.ServeMux
}

func New() *mux {
	mux := &mux{
		api:      http.NewServeMux(),
		ServeMux: http.NewServeMux(),
	}
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", mux.api))

	return mux
}

func (mux *mux) Add(fns ...interface{ RegisterHTTP(*http.ServeMux) }) {
	for _, fn := range fns {
		log.Printf("register http %T", fn)
		fn.RegisterHTTP(mux.ServeMux)

		if fn, ok := fn.(interface{ RegisterAPIv1(*http.ServeMux) }); ok {
			log.Printf("register api %T", fn)
			fn.RegisterAPIv1(mux.api)
		}
	}
}

type RegisterHTTP func(*http.ServeMux)

func (fn RegisterHTTP) RegisterHTTP(mux *http.ServeMux) {
	fn(mux)
}
