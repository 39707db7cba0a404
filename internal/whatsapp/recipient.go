package whatsapp

import "strings"

// UserServer is the JID server for individual accounts.
const UserServer = "@s.whatsapp.net"

var numberNoise = strings.NewReplacer(" ", "", "\t", "", "+", "", "-", "", "(", "", ")", "")

// NormalizeRecipient turns a phone number into a user JID. Input that already
// names a server (anything containing "@") is returned unchanged, so group
// and pre-suffixed ids pass through.
func NormalizeRecipient(number string) string {
	number = strings.TrimSpace(number)
	if strings.Contains(number, "@") {
		return number
	}
	return numberNoise.Replace(number) + UserServer
}
