// pkg/exchange/exchange.go
package exchange

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Origin tells which side started an exchange.
type Origin int

const (
	// Local exchanges are requests sent by this endpoint.
	Local Origin = iota
	// Remote exchanges are requests received from a peer.
	Remote
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Key identifies an exchange in a store.
type Key string

// KeyToken keys a local exchange by the token of its request.
func KeyToken(peer string, token message.Token) Key {
	return Key("tok:" + peer + "#" + hex.EncodeToString(token))
}

// KeyMID keys a remote exchange by message ID, the deduplication key.
func KeyMID(peer string, mid int32) Key {
	return Key(fmt.Sprintf("mid:%s#%d", peer, mid))
}

// Exchange is the bookkeeping kept for one request/response pair.
type Exchange struct {
	Key         Key
	Origin      Origin
	Peer        string
	Token       message.Token
	MessageID   int32
	Code        codes.Code
	Path        string
	Confirmable bool
	Created     time.Time
}

func (e *Exchange) String() string {
	kind := "NON"
	if e.Confirmable {
		kind = "CON"
	}
	return fmt.Sprintf("%s %s %s %s mid=%d token=%s peer=%s age=%s",
		e.Origin, kind, e.Code, e.Path, e.MessageID, e.Token, e.Peer, time.Since(e.Created).Round(time.Millisecond))
}
