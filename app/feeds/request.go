package feeds

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/lysyi3m/recfeed/app/ratelimit"
	"github.com/lysyi3m/recfeed/app/recommend"
)

// Request identifies one logical fetch. Treat it as immutable.
type Request struct {
	FeedType     recommend.FeedType
	Limit        int
	Offset       int
	WindowDays   int
	Auth         AuthState
	ForceRefresh bool
}

// Key is the dedup/cache key. Authenticated results are scoped by a digest
// of the viewer id and bearer token, so a claimed viewer id alone never
// reaches another viewer's entry. ForceRefresh does not change the key.
func (r Request) Key() string {
	viewer := "anon"
	if r.Auth.Authenticated {
		viewer = "v:" + credentialDigest(r.Auth)
	}
	return fmt.Sprintf("feed:%s:l=%d:o=%d:w=%d:%s", r.FeedType, r.Limit, r.Offset, r.WindowDays, viewer)
}

// RateLimitKey is the cooldown key inside a session store.
func (r Request) RateLimitKey() string {
	return ratelimit.Key(string(r.FeedType), map[string]string{
		"limit":  strconv.Itoa(r.Limit),
		"offset": strconv.Itoa(r.Offset),
		"window": strconv.Itoa(r.WindowDays),
	})
}

func (r Request) Query() recommend.Query {
	q := recommend.Query{
		Limit:        r.Limit,
		Offset:       r.Offset,
		WindowDays:   r.WindowDays,
		ForceRefresh: r.ForceRefresh,
	}
	if r.Auth.Authenticated {
		q.ViewerToken = r.Auth.Token
	}
	return q
}

func credentialDigest(auth AuthState) string {
	sum := sha256.Sum256([]byte(auth.ViewerID + "\x00" + auth.Token))
	return hex.EncodeToString(sum[:16])
}
