package conversation

import "strings"

const (
	channelPrefix       = "whatsapp:"
	sessionKeySeparator = "|"
)

// CalculateSessionKey produces an order-independent key for a phone-number
// pair. Each number is normalized with the channel prefix, then the pair is
// sorted so calculate(a, b) == calculate(b, a). Scoping by tenant happens at
// query time (owner_id + session_key).
func CalculateSessionKey(a, b string) string {
	na := normalizeSessionNumber(a)
	nb := normalizeSessionNumber(b)
	if na > nb {
		na, nb = nb, na
	}
	return na + sessionKeySeparator + nb
}

func normalizeSessionNumber(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, channelPrefix) {
		return number
	}
	return channelPrefix + number
}
