// Package backend defines the runtime driver contract that the standard and
// sandboxed container backends implement, the per-language runtime table,
// and the registry the execution engine uses to pick a driver.
package backend
