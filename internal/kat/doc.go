// Package kat loads NIST known-answer vectors and drives them through a
// cell's harness, comparing every output byte for byte.
//
// Vector files use the PQCgenKAT response format: blocks introduced by
// "count = N" followed by "key = HEX" lines. Randomness for in-process
// harnesses comes from DRBG, the AES-256 CTR_DRBG used to generate the
// official vectors, so a vector's seed reproduces its keys exactly.
package kat
