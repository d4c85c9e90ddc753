package server

import (
	"fmt"
	"math/rand"
	"strings"
	"unicode"
)

// Guest numbers span [1000, 99999].
const (
	guestNumberMin  = 1000
	guestNumberMax  = 99999
	guestNumberSpan = guestNumberMax - guestNumberMin + 1
)

const maxUsernameLen = 20

// allocateGuestName picks a free guest<N> name: a uniform starting point,
// then a linear probe over the number space. State-owner only.
func (srv *Server) allocateGuestName() string {
	start := rand.Intn(guestNumberSpan)
	for i := 0; i < guestNumberSpan; i++ {
		n := guestNumberMin + (start+i)%guestNumberSpan
		name := fmt.Sprintf("guest%d", n)
		if srv.usernameFree(name) {
			srv.metrics.guestAllocations.Inc()
			return name
		}
	}
	// 99000 concurrent guests; not a realistic state.
	return fmt.Sprintf("guest%d", guestNumberMin+start)
}

// usernameFree reports whether no live session holds the name and the
// name is not reserved. Case-insensitive. State-owner only.
func (srv *Server) usernameFree(name string) bool {
	key := strings.ToLower(name)
	if _, taken := srv.byUsername[key]; taken {
		return false
	}
	if _, reserved := srv.reserved[key]; reserved {
		return false
	}
	return true
}

// validateUsername checks the registration and rename name rules: 1 to 20
// characters, printable, no leading/trailing/double spaces.
func validateUsername(name string) bool {
	if name == "" || len(name) > maxUsernameLen {
		return false
	}
	if strings.HasPrefix(name, " ") || strings.HasSuffix(name, " ") ||
		strings.Contains(name, "  ") {
		return false
	}
	for _, r := range name {
		if r != ' ' && !unicode.IsGraphic(r) {
			return false
		}
	}
	return true
}
