// Package tag converts 256-bit capability masks to and from sparse
// sets of enabled bit positions.
//
// Stores have no bitwise index, so orders carry the denormalized
// position set of their tag. Superset filters (minTag) test that the
// candidate holds every position of the requested mask; subset filters
// (maxTag) test that the candidate holds none of the complementary
// positions returned by ExcludeArray.
package tag
