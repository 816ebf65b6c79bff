// Package address implements the exit-address grammar used to parse
// the recipient argument of the send command (this component).
package address

import (
	"fmt"
	"regexp"
	"strings"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/mixnet"
)

var (
	mailboxRe  = regexp.MustCompile(`^[^@\s:]+@[^@\s:]+$`)
	mboxNameRe = regexp.MustCompile(`^[^@\s:]+$`)
	hex4Re     = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)
)

// Parse parses s per the exit-address grammar, returning
// AddressParseError for anything that does not match.
func Parse(s string) (mixnet.Address, error) {
	const op = "address.Parse"

	switch s {
	case "drop":
		return mixnet.Address{ExitType: mixnet.ExitTypeDrop}, nil
	case "test":
		return mixnet.Address{ExitType: mixnet.ExitTypeTest}, nil
	}

	if rest, ok := cut(s, "smtp:"); ok {
		if !mailboxRe.MatchString(rest) {
			return mixnet.Address{}, parseErr(op, s)
		}
		return mixnet.Address{ExitType: mixnet.ExitTypeSMTP, ExitInfo: []byte(rest)}, nil
	}

	if rest, ok := cut(s, "mbox:"); ok {
		name, server, hasServer := partitionOnce(rest, "@")
		if !mboxNameRe.MatchString(name) {
			return mixnet.Address{}, parseErr(op, s)
		}
		if hasServer && server == "" {
			return mixnet.Address{}, parseErr(op, s)
		}
		a := mixnet.Address{ExitType: mixnet.ExitTypeMBox, ExitInfo: []byte(name)}
		if hasServer {
			a.LastHop = server
		}
		return a, nil
	}

	if rest, ok := cut(s, "0x"); ok {
		hex, opaque, hasColon := partitionOnce(rest, ":")
		if !hasColon || !hex4Re.MatchString(hex) {
			return mixnet.Address{}, parseErr(op, s)
		}
		var n uint16
		if _, err := fmt.Sscanf(hex, "%04x", &n); err != nil {
			return mixnet.Address{}, parseErr(op, s)
		}
		return mixnet.Address{ExitType: n, ExitInfo: []byte(opaque)}, nil
	}

	if mailboxRe.MatchString(s) {
		return mixnet.Address{ExitType: mixnet.ExitTypeSMTP, ExitInfo: []byte(s)}, nil
	}

	return mixnet.Address{}, parseErr(op, s)
}

// Format renders a as canonical input to Parse, satisfying
// Parse(Format(a)) == a.
func Format(a mixnet.Address) string {
	switch a.ExitType {
	case mixnet.ExitTypeDrop:
		return "drop"
	case mixnet.ExitTypeTest:
		return "test"
	case mixnet.ExitTypeSMTP:
		return "smtp:" + string(a.ExitInfo)
	case mixnet.ExitTypeMBox:
		if a.LastHop != "" {
			return fmt.Sprintf("mbox:%s@%s", a.ExitInfo, a.LastHop)
		}
		return "mbox:" + string(a.ExitInfo)
	default:
		return fmt.Sprintf("0x%04x:%s", a.ExitType, a.ExitInfo)
	}
}

func parseErr(op, s string) error {
	return errs.E(op, errs.UI, errs.AddressParseError, errs.Str(fmt.Sprintf("unparseable address %q", s)))
}

func cut(s, prefix string) (rest string, ok bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// partitionOnce splits s on the first occurrence of sep, reporting
// whether sep was present.
func partitionOnce(s, sep string) (before, after string, found bool) {
	i := strings.Index(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
