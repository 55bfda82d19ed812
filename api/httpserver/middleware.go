package httpserver

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"marketbook/domain/order"
)

type contextKey int

const kindContextKey contextKey = iota + 1

func requestKind(req *http.Request) order.Kind {
	return req.Context().Value(kindContextKey).(order.Kind)
}

func requireKind() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			kind, err := order.ParseKind(mux.Vars(r)["kind"])
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), kindContextKey, kind)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
