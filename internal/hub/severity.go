package hub

import (
	"strings"

	"transithub/internal/domain"
)

var severityKeywords = []struct {
	hint     string
	keywords []string
}{
	{domain.SeverityFinancial, []string{"payment", "invoice"}},
	{domain.SeverityPersonnel, []string{"client", "employee"}},
}

// Severity tags an event kind by keyword. Financial keywords win over
// personnel ones.
func Severity(kind string) string {
	k := strings.ToLower(kind)
	for _, group := range severityKeywords {
		for _, word := range group.keywords {
			if strings.Contains(k, word) {
				return group.hint
			}
		}
	}
	return domain.SeverityGeneric
}
