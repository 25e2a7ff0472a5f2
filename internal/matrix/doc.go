// Package matrix models the space of build cells: algorithm variants, target
// platforms and build profiles, plus the verification rules attached to each
// variant.
//
// The model is loaded once per run and is read-only afterwards. Enumerate is
// the only way cells come into existence, and it always yields them in the same
// canonical order for the same definition.
package matrix
