package webhook

import "strings"

// closingClass is the interpretation of a remote utterance received while
// the agent has already said its farewell.
type closingClass int

const (
	closingAmbiguous closingClass = iota
	closingContinuation
	closingFarewell
)

// continuationPhrases reopen the conversation. Checked before farewells so
// that "one second, bye" counts as a continuation.
var continuationPhrases = []string{
	"wait",
	"actually",
	"one more thing",
	"hold on",
	"before you go",
	"can you also",
	"i also need",
	"i have another",
	"quick question",
	"also",
	"oh wait",
	"sorry",
	"one second",
}

// farewellPhrases confirm the goodbye.
var farewellPhrases = []string{
	"bye",
	"goodbye",
	"good bye",
	"talk to you later",
	"have a good day",
	"have a good one",
	"thanks bye",
	"thank you bye",
	"ok bye",
	"okay bye",
	"alright bye",
	"take care",
	"see you",
	"later",
	"that's all",
	"appreciate it bye",
	"thanks so much bye",
	"you too bye",
}

// classifyClosing interprets a final remote transcript in the closing
// window. Matching is case-insensitive substring; a question mark always
// reopens the conversation.
func classifyClosing(text string) closingClass {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "?") {
		return closingContinuation
	}
	for _, p := range continuationPhrases {
		if strings.Contains(lower, p) {
			return closingContinuation
		}
	}
	if isFarewell(lower) {
		return closingFarewell
	}
	return closingAmbiguous
}

// isFarewell reports whether text contains a goodbye phrase.
func isFarewell(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range farewellPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
