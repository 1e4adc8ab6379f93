package poll

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nevindra/conduit/internal/model"
)

// triggerRegex compiles the anchored, case-insensitive "@AssistantName" (and
// optional custom trigger) pattern a non-main, trigger-required chat must
// match before its backlog is dispatched.
func triggerRegex(assistantName, customTrigger string) (*regexp.Regexp, error) {
	alts := []string{"@" + regexp.QuoteMeta(assistantName)}
	if customTrigger != "" {
		alts = append(alts, regexp.QuoteMeta(customTrigger))
	}
	pattern := fmt.Sprintf(`(?i)^(%s)\b`, strings.Join(alts, "|"))
	return regexp.Compile(pattern)
}

// anyTriggered reports whether any message's trimmed content matches re.
func anyTriggered(re *regexp.Regexp, msgs []model.Message) bool {
	for _, m := range msgs {
		if re.MatchString(strings.TrimSpace(m.Body)) {
			return true
		}
	}
	return false
}

// isBotOriginated reports whether m should be excluded from the poll's view
// of "new inbound messages": either its IsBot flag is set, or its body
// carries the legacy "AssistantName: " prefix bots used before IsBot
// existed.
func isBotOriginated(m model.Message, assistantName string) bool {
	return m.IsBot || strings.HasPrefix(m.Body, assistantName+": ")
}
