package refimpl

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"mixminion.io/client/mixnet"
)

// Descriptor is a reference ServerDescriptor implementation backed by a
// small line-oriented "key: value" text format. It is NOT the real
// Mixminion descriptor wire format (a signed, binary structure); it
// exists purely so this module's own tests and the refimpl collaborators
// have something concrete to parse, store, and query.
type Descriptor struct {
	nickname     string
	identityKey  []byte
	digest       mixnet.Digest
	validAfter   time.Time
	validUntil   time.Time
	capabilities map[mixnet.Capability]bool
	publishedAt  time.Time
	routingInfo  mixnet.RoutingInfo
	raw          []byte
}

var _ mixnet.ServerDescriptor = (*Descriptor)(nil)

func (d *Descriptor) Nickname() string                        { return d.nickname }
func (d *Descriptor) IdentityKey() []byte                      { return d.identityKey }
func (d *Descriptor) Digest() mixnet.Digest                    { return d.digest }
func (d *Descriptor) ValidAfter() time.Time                    { return d.validAfter }
func (d *Descriptor) ValidUntil() time.Time                    { return d.validUntil }
func (d *Descriptor) Capabilities() map[mixnet.Capability]bool { return d.capabilities }
func (d *Descriptor) PublishedAt() time.Time                   { return d.publishedAt }
func (d *Descriptor) RoutingInfo() mixnet.RoutingInfo          { return d.routingInfo }
func (d *Descriptor) Raw() []byte                              { return d.raw }

// NewDescriptor builds a Descriptor and serializes it, ready for Parse
// or for writing to disk. Used by tests to fabricate directories.
func NewDescriptor(nickname string, identityKey []byte, validAfter, validUntil, publishedAt time.Time, caps []mixnet.Capability, routingInfo []byte) *Descriptor {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "nickname: %s\n", nickname)
	fmt.Fprintf(&buf, "identity-key: %x\n", identityKey)
	fmt.Fprintf(&buf, "valid-after: %s\n", validAfter.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "valid-until: %s\n", validUntil.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "published-at: %s\n", publishedAt.UTC().Format(time.RFC3339Nano))
	capStrs := make([]string, len(caps))
	for i, c := range caps {
		capStrs[i] = string(c)
	}
	sort.Strings(capStrs)
	fmt.Fprintf(&buf, "capabilities: %s\n", strings.Join(capStrs, ","))
	fmt.Fprintf(&buf, "routing-info: %x\n", routingInfo)
	d, err := (DescriptorParser{}).Parse(buf.Bytes())
	if err != nil {
		// NewDescriptor only ever constructs well-formed input; a
		// parse failure here indicates a bug in this function.
		panic(err)
	}
	return d.(*Descriptor)
}

// DescriptorParser implements mixnet.DescriptorParser for the
// line-oriented reference format.
type DescriptorParser struct{}

var _ mixnet.DescriptorParser = DescriptorParser{}

// Parse decodes a single descriptor from its "key: value" text form.
func (DescriptorParser) Parse(data []byte) (mixnet.ServerDescriptor, error) {
	d := &Descriptor{capabilities: map[mixnet.Capability]bool{}, raw: append([]byte(nil), data...)}
	sc := bufio.NewScanner(bytes.NewReader(data))
	seen := map[string]string{}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		i := strings.Index(line, ":")
		if i < 0 {
			return nil, fmt.Errorf("refimpl: malformed descriptor line %q", line)
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		seen[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	d.nickname = seen["nickname"]
	if d.nickname == "" {
		return nil, fmt.Errorf("refimpl: descriptor missing nickname")
	}
	idKey, err := hex.DecodeString(seen["identity-key"])
	if err != nil {
		return nil, fmt.Errorf("refimpl: bad identity-key: %w", err)
	}
	d.identityKey = idKey
	d.validAfter, err = time.Parse(time.RFC3339, seen["valid-after"])
	if err != nil {
		return nil, fmt.Errorf("refimpl: bad valid-after: %w", err)
	}
	d.validUntil, err = time.Parse(time.RFC3339, seen["valid-until"])
	if err != nil {
		return nil, fmt.Errorf("refimpl: bad valid-until: %w", err)
	}
	d.publishedAt, err = time.Parse(time.RFC3339Nano, seen["published-at"])
	if err != nil {
		return nil, fmt.Errorf("refimpl: bad published-at: %w", err)
	}
	for _, c := range strings.Split(seen["capabilities"], ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			d.capabilities[mixnet.Capability(c)] = true
		}
	}
	if ri, ok := seen["routing-info"]; ok {
		b, err := hex.DecodeString(ri)
		if err != nil {
			return nil, fmt.Errorf("refimpl: bad routing-info: %w", err)
		}
		d.routingInfo = b
	}
	d.digest = (Crypto{}).SHA1(data)
	return d, nil
}

// IsSupersededBy reports whether newer was published after older.
func (DescriptorParser) IsSupersededBy(older, newer mixnet.ServerDescriptor) bool {
	return newer.PublishedAt().After(older.PublishedAt())
}
