package mesh

import "github.com/codealchemist/peer-meet/internal/signaling"

// ElectionContext is what a participant knows when it first hears from a
// remote.
type ElectionContext struct {
	// IsRoomCreator is true for the participant whose identity names the
	// session.
	IsRoomCreator bool

	// FirstMessage is the type of the first message received from the remote.
	FirstMessage signaling.Type
}

// Elect decides which side of the pair generates the offer. Both sides
// evaluate it independently over the same pair of ids and agree without any
// extra round trip.
func Elect(selfID, remoteID string, ec ElectionContext) Role {
	if ec.FirstMessage != signaling.TypeRequest {
		// The remote already started negotiating.
		return RoleResponder
	}
	if ec.IsRoomCreator {
		return RoleOfferer
	}
	if selfID < remoteID {
		return RoleOfferer
	}
	return RoleResponder
}

// KeepLocalOffer resolves glare, where both sides sent an offer for the same
// pair: the side whose id sorts first keeps its offer and the other yields.
func KeepLocalOffer(selfID, remoteID string) bool {
	return selfID < remoteID
}
