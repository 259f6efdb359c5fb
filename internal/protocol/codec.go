// Package protocol implements the Bedrock application protocol as seen by
// the relay: packet headers, the handful of packets the relay must
// understand, opaque passthrough for everything else, and batch framing
// with compression and encryption.
package protocol

import (
	"fmt"
	"strings"
)

// Feature is a serializer patch that is switched on from a protocol version.
type Feature uint32

const (
	// FeatureCompressionPrefix prefixes each compressed batch with the
	// compression algorithm byte.
	FeatureCompressionPrefix Feature = 1 << iota
	// FeatureDisconnectReason adds the varint reason code to Disconnect.
	FeatureDisconnectReason
	// FeatureDisconnectFiltered adds the filtered message to Disconnect.
	FeatureDisconnectFiltered
	// FeatureTransferReload adds the reload-world flag to Transfer.
	FeatureTransferReload
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureCompressionPrefix, "compression-prefix"},
	{FeatureDisconnectReason, "disconnect-reason"},
	{FeatureDisconnectFiltered, "disconnect-filtered"},
	{FeatureTransferReload, "transfer-reload"},
}

// String lists the enabled features.
func (f Feature) String() string {
	var names []string
	for _, fn := range featureNames {
		if f&fn.f != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Codec is a version-specific serialization ruleset.
type Codec struct {
	Protocol    int32
	GameVersion string
	Features    Feature
}

// Has reports whether the codec has feature f enabled.
func (c Codec) Has(f Feature) bool {
	return c.Features&f == f
}

// With returns a copy of c with f enabled.
func (c Codec) With(f Feature) Codec {
	c.Features |= f
	return c
}

func (c Codec) String() string {
	return fmt.Sprintf("%s (protocol %d, features %s)", c.GameVersion, c.Protocol, c.Features)
}
