// Package util provides common utility data structures
//
// This package includes a generic set, state transition tables, and the
// tag-invalidated LRU cache backing the definition cache
package util
