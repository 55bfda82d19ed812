// Package orderbook is the query engine of the order index.
//
// It filters orders on resource, restriction, tag and numeric bounds,
// sorts them into a total deterministic book order and cuts pages.
// It also knows which resource orders can serve a request order,
// which both publication and the cascade re-validation rely on.
//
// The package is pure: callers load candidates from the store.
package orderbook
