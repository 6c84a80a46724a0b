// Package device holds the band domain model shared by every engine component:
// device snapshots, the capability catalog, connection and subscription states,
// the narrow transport interfaces and the error taxonomy.
//
// The package has no behavior of its own beyond value helpers:
//   - Device is a copy-out snapshot owned by the registry
//   - Catalog is immutable; per-device subscription state lives in Device.Subscriptions
//   - Transport, Link and Scanner are implemented by internal/transport/*
package device
