// Package auth holds the credential checks performed while a client is being admitted.
package auth

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/text/cases"
)

// Verifier checks a client's login credentials.
type Verifier interface {
	Verify(login, password string) bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(login, password string) bool

func (f VerifierFunc) Verify(login, password string) bool { return f(login, password) }

// AllowAll accepts any credentials. There is no account store behind this server yet.
type AllowAll struct{}

func (AllowAll) Verify(string, string) bool { return true }

// Permanent can be passed to BanList.Ban for a ban that never expires.
const Permanent = gocache.NoExpiration

// BanList is a set of logins that are refused admission, each with an optional expiry.
// Logins are compared case-insensitively.
type BanList struct {
	bans *gocache.Cache
}

// NewBanList returns an empty BanList whose bans last defaultDuration unless
// Ban is given an explicit duration.
func NewBanList(defaultDuration time.Duration) *BanList {
	if defaultDuration <= 0 {
		defaultDuration = Permanent
	}
	return &BanList{bans: gocache.New(defaultDuration, time.Minute)}
}

// Ban refuses login for d. Passing 0 uses the list's default duration and
// Permanent bans the login until Unban is called.
func (b *BanList) Ban(login string, d time.Duration) {
	if d == 0 {
		d = gocache.DefaultExpiration
	}
	b.bans.Set(normalize(login), time.Now(), d)
}

func (b *BanList) Unban(login string) {
	b.bans.Delete(normalize(login))
}

func (b *BanList) IsBanned(login string) bool {
	if b == nil {
		return false
	}
	_, found := b.bans.Get(normalize(login))
	return found
}

// Len returns the number of active bans.
func (b *BanList) Len() int {
	if b == nil {
		return 0
	}
	return b.bans.ItemCount()
}

func normalize(login string) string {
	// Casers carry state and aren't safe to share between goroutines.
	return cases.Fold().String(login)
}
