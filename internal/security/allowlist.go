package security

import "strings"

// Allowlist restricts which upstream tables a poller may read. An empty list allows all.
type Allowlist struct {
	Tables []string
}

func (a Allowlist) AllowsTable(table string) bool {
	if len(a.Tables) == 0 {
		return true
	}
	for _, t := range a.Tables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}
