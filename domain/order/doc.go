// Package order defines the order document shared by the store, the
// query engine and the services.
//
// The four kinds (app, dataset, workerpool, request) share one Order
// type; a kind Descriptor says which payload members the kind carries
// and which of them hold the resource, the price and the restrictions.
//
// Lifecycle: open is the only non-terminal status. An order moves to
// filled when its remaining volume is consumed, to canceled when its
// signer withdraws it, or to dead when it can no longer be matched.
package order
