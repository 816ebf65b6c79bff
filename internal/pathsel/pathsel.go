// Package pathsel implements the path selection engine: it turns a
// user's partial path specification and a recipient address into a
// fully resolved, capability-respecting two-leg route (this component).
package pathsel

import (
	"strings"
	"time"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/internal/mlog"
	"mixminion.io/client/mixnet"
)

// Directory is the subset of the server directory cache this package
// depends on: resolving a single named server and listing capability
// candidates over a validity window.
type Directory interface {
	GetServer(name string, start, end time.Time, strict bool) (mixnet.ServerDescriptor, error)
	Candidates(capability mixnet.Capability, start, end time.Time) ([]mixnet.ServerDescriptor, error)
}

// Request describes a single path-resolution call.
type Request struct {
	PathSpec       string // raw -P/--path value, "" if not given
	ExplicitSwapAt int    // -1 if --swap-at was not given
	ExplicitHops   int    // 0 if --hops was not given
	DefaultHops    int    // caller/config default, 0 if none
	Address        mixnet.Address
	Start, End     time.Time
	Rand           mixnet.Random
	// Reply, when true, requests a half-path: Leg1 of the resolved
	// PathSolution will be empty and only Leg2 is populated.
	Reply bool
}

// Resolve turns req into a fully resolved, capability-checked route.
func Resolve(dir Directory, req Request) (mixnet.PathSolution, error) {
	const op = "pathsel.Resolve"

	parsed, err := ParsePathString(req.PathSpec)
	if err != nil {
		return mixnet.PathSolution{}, errs.E(op, err)
	}

	exitCap, hasExitCap := exitCapability(req.Address)

	exitPath := append([]string{}, parsed.ExitPath...)
	if req.Address.LastHop != "" {
		exitPath = append(exitPath, req.Address.LastHop)
	}
	lPath := len(parsed.EnterPath) + len(exitPath)
	if parsed.HasWildcard {
		lPath++ // the wildcard itself counts as one path position
	}

	nHops := lPath
	if parsed.HasWildcard {
		nHops = firstNonZero(req.ExplicitHops, req.DefaultHops, 6)
	}
	if nHops < lPath-boolToInt(parsed.HasWildcard) {
		return mixnet.PathSolution{}, errs.E(op, errs.UI, errs.Str("requested hop count is smaller than the number of named path entries"))
	}

	swapAt, err := deriveSwapIndex(parsed, nHops, req.Address.LastHop != "")
	if err != nil {
		return mixnet.PathSolution{}, errs.E(op, err)
	}
	if req.ExplicitSwapAt >= 0 {
		if swapAt >= 0 && swapAt != req.ExplicitSwapAt {
			return mixnet.PathSolution{}, errs.E(op, errs.UI, errs.SwapMismatch,
				errs.Str("explicit --swap-at conflicts with the path string's derived swap position"))
		}
		swapAt = req.ExplicitSwapAt
	}
	if swapAt < 0 {
		swapAt = nHops / 2
	}

	route, err := resolveEntries(dir, parsed.EnterPath, exitPath, nHops, exitCap, hasExitCap, req)
	if err != nil {
		return mixnet.PathSolution{}, errs.E(op, err)
	}

	if swapAt > len(route) {
		swapAt = len(route)
	}
	sol := mixnet.PathSolution{}
	if req.Reply {
		sol.Leg2 = route
	} else {
		sol.Leg1 = route[:swapAt]
		sol.Leg2 = route[swapAt:]
		if len(sol.Leg1) == 0 || len(sol.Leg2) == 0 {
			return mixnet.PathSolution{}, errs.E(op, errs.Mix, errs.SwapMismatch,
				errs.Str("forward path requires both legs to be non-empty"))
		}
	}

	if err := checkCapabilities(sol, exitCap, hasExitCap); err != nil {
		return mixnet.PathSolution{}, errs.E(op, err)
	}
	return sol, nil
}

// exitCapability derives the required terminal-hop capability from
// the address's exit type.
func exitCapability(a mixnet.Address) (mixnet.Capability, bool) {
	switch a.ExitType {
	case mixnet.ExitTypeMBox:
		return mixnet.MBox, true
	case mixnet.ExitTypeSMTP:
		return mixnet.SMTP, true
	default:
		return "", false
	}
}

// deriveSwapIndex computes the swap index implied by the colon's
// position relative to the wildcard, or -1 if the path string had no
// colon.
func deriveSwapIndex(p ParsedPath, nHops int, hasMandatoryLastHop bool) (int, error) {
	if p.ColonPos < 0 {
		return -1, nil
	}
	wildcardPos := len(p.EnterPath)
	if !p.HasWildcard {
		return p.ColonPos, nil
	}
	if p.ColonPos <= wildcardPos {
		return p.ColonPos, nil
	}
	lPath := len(p.EnterPath) + len(p.ExitPath)
	idx := nHops - (lPath - p.ColonPos - 1) - 1
	if hasMandatoryLastHop {
		idx--
	}
	return idx, nil
}

// resolveEntries resolves the concrete named entries and fills the
// remaining unknown middle-hop slots via the selection algorithm.
func resolveEntries(dir Directory, enter, exit []string, nHops int, exitCap mixnet.Capability, hasExitCap bool, req Request) ([]mixnet.ServerDescriptor, error) {
	const op = "pathsel.resolveEntries"

	route := make([]mixnet.ServerDescriptor, nHops)
	used := make(map[string]bool)
	filled := make([]bool, nHops)

	resolveAt := func(i int, name string, strict bool) error {
		d, err := dir.GetServer(name, req.Start, req.End, strict)
		if err != nil {
			return errs.E(op, err)
		}
		if d == nil {
			return nil
		}
		route[i] = d
		filled[i] = true
		used[strings.ToLower(d.Nickname())] = true
		return nil
	}

	for i, name := range enter {
		if err := resolveAt(i, name, true); err != nil {
			return nil, err
		}
	}
	exitStart := nHops - len(exit)
	for j, name := range exit {
		if err := resolveAt(exitStart+j, name, true); err != nil {
			return nil, err
		}
	}

	candidates, err := dir.Candidates(mixnet.Relay, req.Start, req.End)
	if err != nil {
		return nil, errs.E(op, err)
	}

	var exitCandidates []mixnet.ServerDescriptor
	if hasExitCap && !filled[nHops-1] {
		exitCandidates, err = dir.Candidates(exitCap, req.Start, req.End)
		if err != nil {
			return nil, errs.E(op, err)
		}
	}

	// Fill the terminal exit slot first, preferring unused nicknames.
	if hasExitCap && !filled[nHops-1] {
		d, err := pickPreferUnused(exitCandidates, used, req.Rand)
		if err != nil {
			return nil, errs.E(op, err)
		}
		route[nHops-1] = d
		filled[nHops-1] = true
		used[strings.ToLower(d.Nickname())] = true
	}

	var gapStart = -1
	for i := 0; i < nHops; i++ {
		if !filled[i] {
			if gapStart == -1 {
				gapStart = i
			}
			continue
		}
		if gapStart != -1 {
			k := i - gapStart
			picked, err := selectMiddle(candidates, k, used, req.Rand, nicknameOf(route[i]))
			if err != nil {
				return nil, errs.E(op, err)
			}
			placeMiddle(route, filled, used, gapStart, picked)
			gapStart = -1
		}
	}
	if gapStart != -1 {
		k := nHops - gapStart
		picked, err := selectMiddle(candidates, k, used, req.Rand, "")
		if err != nil {
			return nil, errs.E(op, err)
		}
		placeMiddle(route, filled, used, gapStart, picked)
	}

	return route, nil
}

func placeMiddle(route []mixnet.ServerDescriptor, filled []bool, used map[string]bool, start int, picked []mixnet.ServerDescriptor) {
	for i, d := range picked {
		route[start+i] = d
		filled[start+i] = true
		used[strings.ToLower(d.Nickname())] = true
	}
}

func nicknameOf(d mixnet.ServerDescriptor) string {
	if d == nil {
		return ""
	}
	return strings.ToLower(d.Nickname())
}

func pickPreferUnused(candidates []mixnet.ServerDescriptor, used map[string]bool, rng mixnet.Random) (mixnet.ServerDescriptor, error) {
	const op = "pathsel.pickPreferUnused"
	if len(candidates) == 0 {
		return nil, errs.E(op, errs.Mix, errs.NoRelaysKnown, errs.Str("no candidates for required exit capability"))
	}
	var unused []mixnet.ServerDescriptor
	for _, d := range candidates {
		if !used[strings.ToLower(d.Nickname())] {
			unused = append(unused, d)
		}
	}
	pool := candidates
	if len(unused) > 0 {
		pool = unused
	}
	return pool[rng.Intn(len(pool))], nil
}

// selectMiddle implements the 5-case selection algorithm for the k
// unknown middle hops drawn from candidate set m, given the
// nicknames already used elsewhere on the path and the
// fixed nickname immediately following the gap (nextFixed, "" if
// none).
func selectMiddle(m []mixnet.ServerDescriptor, k int, used map[string]bool, rng mixnet.Random, nextFixed string) ([]mixnet.ServerDescriptor, error) {
	const op = "pathsel.selectMiddle"

	var unusedM []mixnet.ServerDescriptor
	for _, d := range m {
		if !used[strings.ToLower(d.Nickname())] {
			unusedM = append(unusedM, d)
		}
	}

	switch {
	case len(unusedM) >= k:
		shuffled := append([]mixnet.ServerDescriptor{}, unusedM...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled[:k], nil

	case len(m) >= 3:
		mlog.Info.Print("pathsel: fewer than k distinct unused relays known, sampling with replacement (reduced diversity)")
		picked := make([]mixnet.ServerDescriptor, 0, k)
		prev := ""
		for i := 0; i < k; i++ {
			isLast := i == k-1
			var d mixnet.ServerDescriptor
			for attempts := 0; attempts < 64; attempts++ {
				cand := m[rng.Intn(len(m))]
				nick := strings.ToLower(cand.Nickname())
				if nick == prev {
					continue
				}
				if isLast && nextFixed != "" && nick == nextFixed {
					continue
				}
				d = cand
				break
			}
			if d == nil {
				d = m[rng.Intn(len(m))]
			}
			picked = append(picked, d)
			prev = strings.ToLower(d.Nickname())
		}
		return picked, nil

	case len(m) == 2:
		mlog.Info.Print("pathsel: only two relays known, tiling the path (reduced diversity)")
		shuffled := append([]mixnet.ServerDescriptor{}, m...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		picked := make([]mixnet.ServerDescriptor, k)
		for i := 0; i < k; i++ {
			picked[i] = shuffled[i%len(shuffled)]
		}
		return picked, nil

	case len(m) == 1:
		mlog.Info.Print("pathsel: only one relay known, reusing it for every remaining hop (reduced diversity)")
		picked := make([]mixnet.ServerDescriptor, k)
		for i := range picked {
			picked[i] = m[0]
		}
		return picked, nil

	default:
		return nil, errs.E(op, errs.Mix, errs.NoRelaysKnown, errs.Str("no relay descriptors known"))
	}
}

// checkCapabilities rejects any composed route that violates the
// non-terminal-relay / terminal-exit-capability constraints.
func checkCapabilities(sol mixnet.PathSolution, exitCap mixnet.Capability, hasExitCap bool) error {
	const op = "pathsel.checkCapabilities"
	hops := sol.Hops()
	for i, d := range hops {
		if i == len(hops)-1 {
			if hasExitCap && !mixnet.HasCapability(d, exitCap) {
				return errs.E(op, errs.Mix, errs.CapabilityViolation,
					errs.Str("terminal hop lacks required exit capability"))
			}
			continue
		}
		if !mixnet.HasCapability(d, mixnet.Relay) {
			return errs.E(op, errs.Mix, errs.CapabilityViolation,
				errs.Str("non-terminal hop lacks relay capability"))
		}
	}
	return nil
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
