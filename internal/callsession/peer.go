package callsession

import (
	"strings"

	"AgentDesk/internal/domain"
	"AgentDesk/internal/sip"
)

// PeerNumber picks the first populated identity shape.
func PeerNumber(id sip.Identity) string {
	for _, candidate := range []string{id.URIUser, id.AssertedIdentity, id.FromUser, id.DisplayName} {
		if v := strings.TrimSpace(candidate); v != "" {
			return v
		}
	}
	return domain.UnknownCaller
}
