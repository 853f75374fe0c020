package mesh

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/codealchemist/peer-meet/internal/signaling"
)

func TestElectSymmetric(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		a := fmt.Sprintf("%08x", r.Uint32())
		b := fmt.Sprintf("%08x", r.Uint32())
		if a == b {
			continue
		}
		ec := ElectionContext{FirstMessage: signaling.TypeRequest}

		ra := Elect(a, b, ec)
		rb := Elect(b, a, ec)
		if ra == rb {
			t.Fatalf("%s and %s both elected %s", a, b, ra)
		}
		if again := Elect(a, b, ec); again != ra {
			t.Fatalf("election for %s/%s not deterministic", a, b)
		}
		if KeepLocalOffer(a, b) == KeepLocalOffer(b, a) {
			t.Fatalf("glare between %s and %s not resolved to one side", a, b)
		}
		if KeepLocalOffer(a, b) != (ra == RoleOfferer) {
			t.Fatalf("glare rule disagrees with election for %s/%s", a, b)
		}
	}
}

func TestElect(t *testing.T) {
	tests := []struct {
		name   string
		self   string
		remote string
		ec     ElectionContext
		want   Role
	}{
		{"creator offers on request", "zzz", "aaa", ElectionContext{IsRoomCreator: true, FirstMessage: signaling.TypeRequest}, RoleOfferer},
		{"lower id offers", "aaa", "bbb", ElectionContext{FirstMessage: signaling.TypeRequest}, RoleOfferer},
		{"higher id responds", "bbb", "aaa", ElectionContext{FirstMessage: signaling.TypeRequest}, RoleResponder},
		{"offer first means respond", "aaa", "bbb", ElectionContext{FirstMessage: signaling.TypeOffer}, RoleResponder},
		{"creator responds to an offer", "aaa", "bbb", ElectionContext{IsRoomCreator: true, FirstMessage: signaling.TypeOffer}, RoleResponder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Elect(tt.self, tt.remote, tt.ec); got != tt.want {
				t.Errorf("Elect(%q, %q) = %s, want %s", tt.self, tt.remote, got, tt.want)
			}
		})
	}
}
