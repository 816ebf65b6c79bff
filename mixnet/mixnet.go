// Package mixnet defines the core data types and external collaborator
// interfaces shared by every component of the Mixminion client: server
// descriptors, addresses, paths, SURBs, and the boundary interfaces
// (PacketBuilder, Crypto, Transport, DescriptorParser, Random) that this
// module depends on but does not implement in full.
package mixnet

import (
	"context"
	"time"
)

// Capability is a tag advertised by a ServerDescriptor.
type Capability string

// Recognized capabilities.
const (
	Relay Capability = "relay"
	SMTP  Capability = "smtp"
	MBox  Capability = "mbox"
)

// Exit-type codes recognized symbolically. Any 0x0000-0xFFFF value is a
// legal exit type; these are just the ones with defined meaning.
const (
	ExitTypeDrop uint16 = 0x0000
	ExitTypeSMTP uint16 = 0x0001
	ExitTypeMBox uint16 = 0x0002
	ExitTypeTest uint16 = 0xFFFE
)

// RoutingInfo is an opaque first-hop transport address/routing record,
// as produced by a ServerDescriptor and consumed by a Transport.
type RoutingInfo []byte

func (r RoutingInfo) String() string { return string(r) }

// Digest is the content hash of a descriptor.
type Digest [20]byte

// ServerDescriptor is the opaque record produced by the external
// descriptor parser. It exposes only accessors; the concrete wire
// format lives outside this module's scope (see mixnet/refimpl for a
// stand-in implementation used by this module's own tests).
type ServerDescriptor interface {
	// Nickname is the case-insensitive identity label for this server.
	Nickname() string
	// IdentityKey is the server's asymmetric public key, opaque here.
	IdentityKey() []byte
	// Digest is the content hash of the descriptor's raw bytes.
	Digest() Digest
	// ValidAfter and ValidUntil bound the descriptor's validity interval.
	ValidAfter() time.Time
	ValidUntil() time.Time
	// Capabilities reports the set of capabilities this server advertises.
	Capabilities() map[Capability]bool
	// PublishedAt is when this descriptor was published, used to break
	// ties between multiple descriptors sharing a nickname.
	PublishedAt() time.Time
	// RoutingInfo is the opaque routing record used to address this hop.
	RoutingInfo() RoutingInfo
	// Raw returns the original serialized bytes of the descriptor.
	Raw() []byte
}

// HasCapability reports whether d advertises cap.
func HasCapability(d ServerDescriptor, cap Capability) bool {
	caps := d.Capabilities()
	return caps != nil && caps[cap]
}

// ValidOver reports whether d is continuously valid across [start, end].
func ValidOver(d ServerDescriptor, start, end time.Time) bool {
	return !d.ValidAfter().After(start) && !d.ValidUntil().Before(end)
}

// Origin records where a descriptor in the directory cache came from.
type Origin interface {
	isOrigin()
}

// DirectoryOrigin marks a descriptor as having come from the downloaded directory.
type DirectoryOrigin struct{}

func (DirectoryOrigin) isOrigin() {}

// ImportedOrigin marks a descriptor as having been imported from a single file.
type ImportedOrigin struct {
	Filename string
}

func (ImportedOrigin) isOrigin() {}

// Address is a parsed exit address: an exit type, opaque exit info, and
// an optional mandatory last-hop nickname.
type Address struct {
	ExitType uint16
	ExitInfo []byte
	LastHop  string // "" if unset
}

// PathRequest is a decomposed user path specification.
type PathRequest struct {
	EnterPath   []string // concrete entries before the wildcard
	ExitPath    []string // concrete entries after the wildcard
	HasWildcard bool
	SwapAt      int // index into the concatenated path, -1 if unset by the user
}

// PathSolution is a fully resolved two-leg route. On a reply half-path
// Leg1 is empty.
type PathSolution struct {
	Leg1 []ServerDescriptor
	Leg2 []ServerDescriptor
}

// Hops returns the full ordered route.
func (p PathSolution) Hops() []ServerDescriptor {
	hops := make([]ServerDescriptor, 0, len(p.Leg1)+len(p.Leg2))
	hops = append(hops, p.Leg1...)
	hops = append(hops, p.Leg2...)
	return hops
}

// SURB is a single-use reply block: opaque bytes plus the metadata the
// client needs to track its lifecycle.
type SURB struct {
	Bytes       []byte
	Expiry      time.Time
	FirstHop    RoutingInfo
}

// Random is the CSPRNG interface the path selection engine depends on.
// Implementations must be backed by a cryptographically secure source;
// see mixnet/refimpl.Random for the default.
type Random interface {
	// Intn returns a non-negative pseudo-random number in [0,n).
	Intn(n int) int
	// Shuffle randomizes the order of a slice of length n using swap.
	Shuffle(n int, swap func(i, j int))
}

// Crypto groups the raw cryptographic primitives this module treats as
// an external collaborator: a hash used for content digests and MACs,
// a stream cipher constructor for the keyring's CTR-mode encryption,
// and a CSPRNG for key and nonce material.
type Crypto interface {
	// SHA1 returns the 20-byte SHA-1 digest of data.
	SHA1(data []byte) [20]byte
	// NewCTRStream returns a CTR-mode key stream cipher for the given
	// 16-byte key and zero IV, matching the Mixminion keyfile format.
	NewCTRStream(key []byte) (CipherStream, error)
	// RandomBytes returns n cryptographically random bytes.
	RandomBytes(n int) ([]byte, error)
	// Fingerprint returns the canonical hex fingerprint (40 uppercase
	// hex characters, the SHA-1 of the key bytes) of an identity key.
	Fingerprint(identityKey []byte) string
}

// CipherStream is a minimal key-stream abstraction so callers need not
// import crypto/cipher directly.
type CipherStream interface {
	XORKeyStream(dst, src []byte)
}

// PacketBuilder is the external onion-packet construction collaborator.
type PacketBuilder interface {
	// BuildForward constructs a forward onion packet carrying payload
	// to the given address over the two legs of route.
	BuildForward(route PathSolution, addr Address, payload []byte) ([]byte, error)
	// BuildReply constructs a reply packet carrying payload over the
	// given SURB.
	BuildReply(payload []byte, s SURB) ([]byte, error)
	// BuildSURB constructs a fresh single-use reply block addressed
	// through leg (a reply half-path) that is valid for lifetime.
	BuildSURB(leg []ServerDescriptor, lifetime time.Duration) (SURB, error)
}

// Transport is the external mix-transport collaborator: delivery of a
// single onion packet to a server's routing address.
type Transport interface {
	// Send delivers packet to the server addressed by first, honoring
	// ctx's deadline. Implementations should return a TransportTimeout
	// error (see internal/errs) when the deadline is exceeded.
	Send(ctx context.Context, first RoutingInfo, packet []byte) error
}

// DescriptorParser is the external descriptor-parsing collaborator.
type DescriptorParser interface {
	// Parse decodes a single descriptor from its serialized bytes.
	Parse(data []byte) (ServerDescriptor, error)
	// IsSupersededBy reports whether newer supersedes older, i.e.
	// whether older should no longer be considered current for the
	// nickname they (must) share.
	IsSupersededBy(older, newer ServerDescriptor) bool
}

// DirectoryFetcher retrieves the bytes of the downloaded directory
// file from its configured source. Implementations handle any
// transport-level concerns (HTTP, TLS) and transparently decompress
// the response when url indicates a gzip-framed directory.
type DirectoryFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
