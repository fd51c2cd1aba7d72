package permissions

// Match reports whether name matches pattern, where pattern supports '*'
// (zero or more of any character, including "::" namespace separators) and
// '?' (exactly one character). Unlike path/filepath.Match, '*' is not
// special-cased against any separator — "audio::*" must match "audio::gain"
// the same way a bare "*" matches everything, which is how permissions.rs's
// glob-crate-based allowlists behave and how the node-kind namespace
// ("::"-joined, not "/"-joined) is actually structured.
func Match(pattern, name string) bool {
	return matchHere([]rune(pattern), []rune(name))
}

func matchHere(pattern, name []rune) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse consecutive '*' and try every possible split point.
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchHere(pattern, name[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(name) == 0 {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		default:
			if len(name) == 0 || name[0] != pattern[0] {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		}
	}
	return len(name) == 0
}
