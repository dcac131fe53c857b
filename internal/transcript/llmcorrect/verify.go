package llmcorrect

import "strings"

// anchor pairs the index of one unchanged token in the original sequence
// with its index in the corrected sequence.
type anchor struct {
	orig int
	corr int
}

// tokenLCS returns the longest common subsequence of a and b as ordered
// anchors. Standard O(m×n) DP; inputs are single transcript sentences, so
// the table stays small.
func tokenLCS(a, b []string) []anchor {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] >= dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	anchors := make([]anchor, dp[m][n])
	i, j, k := m, n, dp[m][n]-1
	for i > 0 && j > 0 {
		switch {
		case a[i-1] == b[j-1]:
			anchors[k] = anchor{orig: i - 1, corr: j - 1}
			i, j, k = i-1, j-1, k-1
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return anchors
}

// normalizeForLookup lowercases s and strips trailing punctuation so a span
// like "Catherine." matches a correction declared as "Catherine".
func normalizeForLookup(s string) string {
	return strings.ToLower(strings.TrimRight(s, ".,;:!?\"')"))
}

// spanKey identifies one declared correction by its normalised before/after
// text.
type spanKey struct{ orig, corr string }

// verifyCorrectedText checks every token-level change the model made against
// the corrections it declared. Changed regions with no matching declaration
// are reverted to the original tokens; the returned corrections list contains
// only the confirmed entries. This keeps a hallucinating correction model
// from silently rewriting the user's words.
func verifyCorrectedText(original, corrected string, corrections []Correction) (string, []Correction) {
	if original == corrected {
		return original, corrections
	}

	origTokens := strings.Fields(original)
	corrTokens := strings.Fields(corrected)
	anchors := tokenLCS(origTokens, corrTokens)

	declared := make(map[spanKey]Correction, len(corrections))
	for _, c := range corrections {
		declared[spanKey{normalizeForLookup(c.Original), normalizeForLookup(c.Corrected)}] = c
	}

	var (
		result   []string
		verified []Correction
	)

	// keepOrRevert resolves one changed region between two anchors.
	keepOrRevert := func(origSpan, corrSpan []string) {
		key := spanKey{
			normalizeForLookup(strings.Join(origSpan, " ")),
			normalizeForLookup(strings.Join(corrSpan, " ")),
		}
		if c, ok := declared[key]; ok {
			result = append(result, corrSpan...)
			verified = append(verified, c)
			return
		}
		result = append(result, origSpan...)
	}

	oi, ci := 0, 0
	for _, a := range anchors {
		if oi < a.orig || ci < a.corr {
			keepOrRevert(origTokens[oi:a.orig], corrTokens[ci:a.corr])
		}
		result = append(result, origTokens[a.orig])
		oi, ci = a.orig+1, a.corr+1
	}
	if oi < len(origTokens) || ci < len(corrTokens) {
		keepOrRevert(origTokens[oi:], corrTokens[ci:])
	}

	return strings.Join(result, " "), verified
}
