// Package server hosts the Fiber HTTP frontend that package managers talk
// to. It mimics a Gentoo mirror with filename-hash layout: a layout.conf
// probe endpoint plus sharded distfile paths, backed by the fetch
// coordinator. Diagnostics (healthz, status) live here too, so keep exports
// narrow and accept explicit dependencies.
package server
