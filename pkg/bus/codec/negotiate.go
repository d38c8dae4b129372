package codec

// Negotiate picks the first codec in ours that peer also supports. If
// peer advertises nothing, our own first preference wins (or "json" if
// we have no preferences at all). If the two lists share nothing,
// Negotiate returns ("json", true) when fallback is allowed, or
// ("", false) to signal the caller should skip the destination.
func Negotiate(ours, peer []Name, allowJSONFallback bool) (Name, bool) {
	if len(peer) == 0 {
		if len(ours) == 0 {
			return JSON, true
		}
		return ours[0], true
	}

	peerSet := make(map[Name]bool, len(peer))
	for _, p := range peer {
		peerSet[p] = true
	}
	for _, o := range ours {
		if peerSet[o] {
			return o, true
		}
	}

	if allowJSONFallback {
		return JSON, true
	}
	return "", false
}
