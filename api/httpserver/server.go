package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"marketbook/domain/order"
	"marketbook/domain/orderbook"
	"marketbook/infra/store"
	"marketbook/service"
)

const (
	contentTypeJSON = "application/json; charset=UTF-8"
	headerAuth      = "Authorization"
	maxBodyBytes    = 1 << 20
)

// Orders is the part of the order service the REST surface drives.
type Orders interface {
	Publish(ctx context.Context, req service.PublishRequest) (*order.Order, error)
	Unpublish(ctx context.Context, req service.UnpublishRequest) ([]common.Hash, error)
	GetOrder(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash) (*order.Order, error)
	ListOrders(ctx context.Context, req service.ListRequest) (orderbook.Page, error)
}

// Authorizer issues and spends challenges.
type Authorizer interface {
	Issue(ctx context.Context, chainID uint64, address common.Address) (*store.Challenge, error)
	Authorize(ctx context.Context, chainID uint64, header string) (common.Address, error)
}

type Deps struct {
	Orders Orders
	Auth   Authorizer
	// Events, when set, is served on /ws.
	Events http.Handler
}

func NewServer(ctx context.Context, log zerolog.Logger, address string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           NewHandler(log, deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
}

// NewHandler returns the router wrapped in the CORS policy.
func NewHandler(log zerolog.Logger, deps Deps) http.Handler {
	log = log.With().Str("module", "http").Logger()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{headerAuth, "Content-Type"},
	})
	return c.Handler(newRouter(log, deps))
}

func newRouter(log zerolog.Logger, deps Deps) *mux.Router {
	router := mux.NewRouter()
	h := &handlers{log: log, orders: deps.Orders, auth: deps.Auth}

	// GET /challenge
	router.HandleFunc("/challenge", h.challenge).
		Methods(http.MethodGet)

	orouter := router.PathPrefix("/{kind:app|dataset|workerpool|request}orders").Subrouter()
	orouter.Use(requireKind())

	// POST /{kind}orders
	orouter.HandleFunc("", h.publish).
		Methods(http.MethodPost)

	// PUT /{kind}orders
	orouter.HandleFunc("", h.unpublish).
		Methods(http.MethodPut)

	// GET /{kind}orders
	orouter.HandleFunc("", h.list).
		Methods(http.MethodGet)

	// GET /{kind}orders/{orderHash}
	orouter.HandleFunc("/{orderHash}", h.get).
		Methods(http.MethodGet)

	if deps.Events != nil {
		router.Handle("/ws", deps.Events)
	}
	router.Handle("/metrics", promhttp.Handler()).
		Methods(http.MethodGet)

	return router
}
