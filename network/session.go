package network

import (
	"net"
	"sync"
	"time"

	"airsend/wire"
)

// session is the server-side record of one accepted prepare-upload. Only the
// sessionGuard touches its fields; handlers work on snapshots taken under the
// guard's lock.
type session struct {
	id          string
	senderAlias string

	tokens   map[string]string // fileID -> single-use token
	manifest map[string]wire.FileDescriptor

	totalBytes     int64
	bytesReceived  int64
	filesCompleted int
	filesExpected  int

	conns map[net.Conn]struct{}

	lastProgress     time.Time
	lastProgressFrac float64
}

// sessionGuard serializes every mutation of the live session. At most one
// session exists per server; disk and socket I/O never happens while the
// lock is held.
type sessionGuard struct {
	mu      sync.Mutex
	current *session
}

// begin installs a new session and returns whatever session it superseded,
// so the caller can abort its connections and fire its failure completion
// outside the lock.
func (g *sessionGuard) begin(sess *session) *session {
	g.mu.Lock()
	defer g.mu.Unlock()

	superseded := g.current
	g.current = sess
	return superseded
}

// authorize validates an upload's query triple against the live session.
// A missing or mismatched session yields 404, a bad file/token pair 403.
// On success the matching descriptor is returned.
func (g *sessionGuard) authorize(sessionID, fileID, token string) (*session, wire.FileDescriptor, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.current
	if sess == nil || sess.id != sessionID {
		return nil, wire.FileDescriptor{}, 404
	}
	expected, ok := sess.tokens[fileID]
	if !ok || expected != token {
		return nil, wire.FileDescriptor{}, 403
	}
	return sess, sess.manifest[fileID], 200
}

// addBytes credits received bytes to the session and decides whether a
// progress callback should fire. Progress is throttled to meaningful steps
// so a fast upload does not flood the consumer.
func (g *sessionGuard) addBytes(sess *session, n int64) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != sess {
		return 0, false
	}
	sess.bytesReceived += n

	frac := 1.0
	if sess.totalBytes > 0 {
		frac = float64(sess.bytesReceived) / float64(sess.totalBytes)
		if frac > 1 {
			frac = 1
		}
	}

	now := time.Now()
	done := sess.bytesReceived >= sess.totalBytes
	if !done && now.Sub(sess.lastProgress) < progressMinInterval && frac-sess.lastProgressFrac < progressMinDelta {
		return 0, false
	}
	sess.lastProgress = now
	sess.lastProgressFrac = frac
	return frac, true
}

// completeFile consumes the file's token and reports whether the manifest is
// now fully received. The token removal makes replays fail with 403.
func (g *sessionGuard) completeFile(sess *session, fileID string) (allDone, live bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != sess {
		return false, false
	}
	if _, ok := sess.tokens[fileID]; !ok {
		return false, true
	}
	delete(sess.tokens, fileID)
	sess.filesCompleted++

	if sess.filesCompleted >= sess.filesExpected {
		g.current = nil
		return true, true
	}
	return false, true
}

// clear removes the session if it is still the live one. The return value is
// the exactly-once arbiter for failure and cancellation callbacks: only the
// caller that observes true may fire them.
func (g *sessionGuard) clear(sess *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != sess {
		return false
	}
	g.current = nil
	return true
}

// take detaches the live session, whatever it is. Used by the cancel
// endpoint.
func (g *sessionGuard) take() *session {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.current
	g.current = nil
	return sess
}

func (g *sessionGuard) isLive(sess *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current == sess
}

func (g *sessionGuard) trackConn(sess *session, conn net.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == sess {
		sess.conns[conn] = struct{}{}
	}
}

func (g *sessionGuard) untrackConn(sess *session, conn net.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(sess.conns, conn)
}

// abortConns closes every connection attached to the session. The snapshot
// is taken under the lock because upload handlers untrack concurrently.
func (g *sessionGuard) abortConns(sess *session) {
	g.mu.Lock()
	conns := make([]net.Conn, 0, len(sess.conns))
	for conn := range sess.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
