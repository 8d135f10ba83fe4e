// Package textutil provides text comparison utilities shared by title
// normalization and relationship detection.
//
// The primary use cases are:
//   - Folding display titles into a comparison key (case fold, diacritic
//     removal, punctuation removal, whitespace collapse)
//   - Scoring two comparison keys with a normalized edit-distance similarity
//
// Folding goes through golang.org/x/text so non-ASCII titles compare the same
// way regardless of input normalization form.
package textutil
