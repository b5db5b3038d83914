// Package domain defines the core business entities of the realtime
// delivery layer: notifications, presence records, and the validation
// rules that keep them consistent. It has no dependencies on storage,
// transport, or other infrastructure packages.
package domain
