// Package api defines the core data types shared across the workflow engine
//
// This package contains workflow and block definitions, session state,
// variables, script commands, and the error taxonomy used by the runtime,
// stores, and HTTP surface
package api
