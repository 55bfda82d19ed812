// Package auth gates order writes behind single-use challenges.
//
// A client asks for a challenge, signs its value with an EIP-191
// personal signature and sends
//
//	Authorization: <challengeHash>_<signature>_<address>
//
// with one write. The gate spends the challenge first and only then
// checks the signature, so concurrent requests replaying one header
// get at most one success. Failures never say which check failed.
package auth
