package utils

// ShortIDLen is the commit id prefix length shown to users.
const ShortIDLen = 12

// ShortID truncates a commit id for display.
func ShortID(id string) string {
	if len(id) > ShortIDLen {
		return id[:ShortIDLen]
	}
	return id
}
