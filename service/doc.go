// Package service is the write and read entry point of the order book.
//
// It publishes and withdraws orders, applies on-chain consumption,
// re-validates request orders after a resource order leaves the book
// and answers listings. Transports (REST, gRPC, Kafka) stay outside.
package service
