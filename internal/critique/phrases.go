package critique

import "strings"

// findPhrases returns the phrases of list that occur in text, matched case-insensitively.
// Each phrase is reported once, in its original spelling. Blank phrases are ignored.
func findPhrases(text string, list []string) []string {
	if len(list) == 0 {
		return nil
	}

	normalizedText := strings.ToLower(text)

	var found []string
	seen := make(map[string]bool)
	for _, phrase := range list {
		normalized := strings.ToLower(strings.TrimSpace(phrase))
		if normalized == "" || seen[normalized] {
			continue
		}
		if strings.Contains(normalizedText, normalized) {
			found = append(found, phrase)
			seen[normalized] = true
		}
	}
	return found
}

// missingPhrases returns the phrases of list that do not occur in text.
func missingPhrases(text string, list []string) []string {
	present := make(map[string]bool)
	for _, p := range findPhrases(text, list) {
		present[strings.ToLower(strings.TrimSpace(p))] = true
	}

	var missing []string
	for _, phrase := range list {
		normalized := strings.ToLower(strings.TrimSpace(phrase))
		if normalized == "" || present[normalized] {
			continue
		}
		present[normalized] = true
		missing = append(missing, phrase)
	}
	return missing
}
