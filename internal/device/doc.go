// Package device abstracts capture hardware access.
//
// A Backend enumerates capture devices and opens live streams. The
// gstreamer backend drives real V4L2 hardware; MockBackend is a
// scriptable in-memory backend used by consumers in tests.
//
// All enumeration failures are non-fatal by contract: callers receive
// a typed error they can downgrade to an empty device list.
package device
